// Command sofsutil is a path-oriented exerciser for a formatted SOFS21
// volume: stat, ls, mkdir, touch, rm, mv and cat subcommands, each built
// from several engine operations, useful for manual testing and scripting
// against an image without writing Go. It has no subcommand per individual
// engine operation.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sofs21/sofs21/engine"
	"github.com/sofs21/sofs21/internal/cliflag"
	"github.com/sofs21/sofs21/internal/probe"
)

var flagVerbosity = logrus.WarnLevel

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sofsutil",
		Short:         "Inspect and edit a SOFS21 volume image",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			probe.Logger.SetLevel(flagVerbosity)
			return nil
		},
	}
	cmd.PersistentFlags().Var(&cliflag.LevelValue{Level: &flagVerbosity}, "verbosity", "log level: trace, debug, info, warn, error")

	cmd.AddCommand(
		newStatCmd(),
		newLsCmd(),
		newMkdirCmd(),
		newTouchCmd(),
		newRmCmd(),
		newMvCmd(),
		newCatCmd(),
	)
	return cmd
}

// openVolume opens device for the duration of one subcommand invocation.
func openVolume(device string) (*engine.Volume, func(), error) {
	dev, err := engine.OpenFileDevice(device)
	if err != nil {
		return nil, nil, err
	}
	v := engine.OpenDisk(dev, engine.ProcessIdentity())
	closer := func() {
		v.CloseDisk()
		dev.Close()
	}
	return v, closer, nil
}

func splitParent(p string) (parent, name string) {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/", "/"
	}
	parent = path.Dir(p)
	name = path.Base(p)
	return parent, name
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat DEVICE PATH",
		Short: "print the inode record a path resolves to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, closer, err := openVolume(args[0])
			if err != nil {
				return err
			}
			defer closer()

			in, err := v.TraversePath(args[1])
			if err != nil {
				return err
			}
			if in == engine.NullInode {
				return fmt.Errorf("stat %s: no such entry", args[1])
			}
			h, err := v.OpenInode(in)
			if err != nil {
				return err
			}
			defer v.CloseInode(h)

			rec, err := v.GetInodePointer(h)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inode=%d mode=%#o owner=%d group=%d lnkcnt=%d size=%d\n",
				in, rec.Mode, rec.Owner, rec.Group, rec.Lnkcnt, rec.Size)
			return nil
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls DEVICE PATH",
		Short: "list a directory's entries",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, closer, err := openVolume(args[0])
			if err != nil {
				return err
			}
			defer closer()

			dirIn, err := v.TraversePath(args[1])
			if err != nil {
				return err
			}
			if dirIn == engine.NullInode {
				return fmt.Errorf("ls %s: no such entry", args[1])
			}
			h, err := v.OpenInode(dirIn)
			if err != nil {
				return err
			}
			defer v.CloseInode(h)

			rec, err := v.GetInodePointer(h)
			if err != nil {
				return err
			}
			blocks := rec.Size / engine.BlockSize
			buf := make([]byte, engine.BlockSize)
			var names [][]byte
			var ins []uint16
			for bi := uint32(0); bi < blocks; bi++ {
				if err := v.ReadInodeBlock(h, bi, buf); err != nil {
					return err
				}
				for off := 0; off+engine.DirSlotSize <= len(buf); off += engine.DirSlotSize {
					slot := buf[off : off+engine.DirSlotSize]
					names = append(names, slot[:engine.SlotNameLen])
					ins = append(ins, binary.LittleEndian.Uint16(slot[engine.SlotNameLen:]))
				}
			}

			out := cmd.OutOrStdout()
			for i := 0; i < len(names); {
				name := nullTerminated(names[i])
				if name == "" {
					i++
					continue
				}
				if ins[i] == engine.NullInode && i+1 < len(names) {
					full := name + nullTerminated(names[i+1])
					fmt.Fprintf(out, "%d\t%s\n", ins[i+1], full)
					i += 2
					continue
				}
				fmt.Fprintf(out, "%d\t%s\n", ins[i], name)
				i++
			}
			return nil
		},
	}
}

func nullTerminated(b []byte) string {
	n := len(b)
	for i, c := range b {
		if c == 0 {
			n = i
			break
		}
	}
	return string(b[:n])
}

func newMkdirCmd() *cobra.Command {
	var perm uint32
	cmd := &cobra.Command{
		Use:   "mkdir DEVICE PATH",
		Short: "create a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, closer, err := openVolume(args[0])
			if err != nil {
				return err
			}
			defer closer()

			parentPath, name := splitParent(args[1])
			parentIn, err := v.TraversePath(parentPath)
			if err != nil {
				return err
			}
			if parentIn == engine.NullInode {
				return fmt.Errorf("mkdir %s: parent does not exist", args[1])
			}
			parentH, err := v.OpenInode(parentIn)
			if err != nil {
				return err
			}
			defer v.CloseInode(parentH)

			newIn, err := v.NewInode(engine.ModeDir, uint16(perm))
			if err != nil {
				return err
			}
			newH, err := v.OpenInode(newIn)
			if err != nil {
				return err
			}
			defer v.CloseInode(newH)

			if err := v.AddDirEntry(newH, ".", newIn); err != nil {
				return err
			}
			if err := v.AddDirEntry(newH, "..", parentIn); err != nil {
				return err
			}
			if err := v.AddDirEntry(parentH, name, newIn); err != nil {
				return err
			}

			newRec, err := v.GetInodePointer(newH)
			if err != nil {
				return err
			}
			newRec.Lnkcnt = 2
			if err := v.SaveInode(newH); err != nil {
				return err
			}

			parentRec, err := v.GetInodePointer(parentH)
			if err != nil {
				return err
			}
			parentRec.Lnkcnt++
			return v.SaveInode(parentH)
		},
	}
	cmd.Flags().Uint32Var(&perm, "perm", 0o755, "permission bits, octal")
	return cmd
}

func newTouchCmd() *cobra.Command {
	var perm uint32
	cmd := &cobra.Command{
		Use:   "touch DEVICE PATH",
		Short: "create an empty regular file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, closer, err := openVolume(args[0])
			if err != nil {
				return err
			}
			defer closer()

			parentPath, name := splitParent(args[1])
			parentIn, err := v.TraversePath(parentPath)
			if err != nil {
				return err
			}
			if parentIn == engine.NullInode {
				return fmt.Errorf("touch %s: parent does not exist", args[1])
			}
			parentH, err := v.OpenInode(parentIn)
			if err != nil {
				return err
			}
			defer v.CloseInode(parentH)

			newIn, err := v.NewInode(engine.ModeRegular, uint16(perm))
			if err != nil {
				return err
			}
			if err := v.AddDirEntry(parentH, name, newIn); err != nil {
				return err
			}

			newH, err := v.OpenInode(newIn)
			if err != nil {
				return err
			}
			defer v.CloseInode(newH)
			rec, err := v.GetInodePointer(newH)
			if err != nil {
				return err
			}
			rec.Lnkcnt = 1
			return v.SaveInode(newH)
		},
	}
	cmd.Flags().Uint32Var(&perm, "perm", 0o644, "permission bits, octal")
	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm DEVICE PATH",
		Short: "remove a directory entry and, if its link count drops to zero, the inode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, closer, err := openVolume(args[0])
			if err != nil {
				return err
			}
			defer closer()

			parentPath, name := splitParent(args[1])
			parentIn, err := v.TraversePath(parentPath)
			if err != nil {
				return err
			}
			if parentIn == engine.NullInode {
				return fmt.Errorf("rm %s: parent does not exist", args[1])
			}
			parentH, err := v.OpenInode(parentIn)
			if err != nil {
				return err
			}
			defer v.CloseInode(parentH)

			in, err := v.DeleteDirEntry(parentH, name)
			if err != nil {
				return err
			}

			h, err := v.OpenInode(in)
			if err != nil {
				return err
			}
			rec, err := v.GetInodePointer(h)
			if err != nil {
				v.CloseInode(h)
				return err
			}
			rec.Lnkcnt--
			remaining := rec.Lnkcnt
			if err := v.SaveInode(h); err != nil {
				v.CloseInode(h)
				return err
			}
			if err := v.CloseInode(h); err != nil {
				return err
			}
			if remaining == 0 {
				return v.RemoveInode(in)
			}
			return nil
		},
	}
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv DEVICE SRC DST",
		Short: "rename a directory entry within the same directory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, closer, err := openVolume(args[0])
			if err != nil {
				return err
			}
			defer closer()

			srcParentPath, srcName := splitParent(args[1])
			dstParentPath, dstName := splitParent(args[2])
			if srcParentPath != dstParentPath {
				return fmt.Errorf("mv: cross-directory rename is not supported")
			}

			parentIn, err := v.TraversePath(srcParentPath)
			if err != nil {
				return err
			}
			if parentIn == engine.NullInode {
				return fmt.Errorf("mv: parent does not exist")
			}
			parentH, err := v.OpenInode(parentIn)
			if err != nil {
				return err
			}
			defer v.CloseInode(parentH)

			return v.RenameDirEntry(parentH, srcName, dstName)
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat DEVICE PATH",
		Short: "print a regular file's content to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, closer, err := openVolume(args[0])
			if err != nil {
				return err
			}
			defer closer()

			in, err := v.TraversePath(args[1])
			if err != nil {
				return err
			}
			if in == engine.NullInode {
				return fmt.Errorf("cat %s: no such entry", args[1])
			}
			h, err := v.OpenInode(in)
			if err != nil {
				return err
			}
			defer v.CloseInode(h)

			rec, err := v.GetInodePointer(h)
			if err != nil {
				return err
			}
			if rec.Mode&engine.ModeTypeMask != engine.ModeRegular {
				return fmt.Errorf("cat %s: not a regular file", args[1])
			}

			out := cmd.OutOrStdout()
			buf := make([]byte, engine.BlockSize)
			remaining := rec.Size
			for bi := uint32(0); remaining > 0; bi++ {
				if err := v.ReadInodeBlock(h, bi, buf); err != nil {
					return err
				}
				n := remaining
				if n > engine.BlockSize {
					n = engine.BlockSize
				}
				if _, err := out.Write(buf[:n]); err != nil {
					return err
				}
				remaining -= n
			}
			return nil
		},
	}
}
