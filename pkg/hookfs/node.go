package hookfs

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/iofault/pkg/rules"
)

// Node mirrors one file or directory of the backing tree.
type Node struct {
	fs.Inode
	state *state

	// relPath is the node's path relative to the session root, with a
	// leading slash. The root node is "/".
	relPath string
}

var _ = (fs.NodeGetattrer)((*Node)(nil))
var _ = (fs.NodeLookuper)((*Node)(nil))
var _ = (fs.NodeReaddirer)((*Node)(nil))
var _ = (fs.NodeOpener)((*Node)(nil))
var _ = (fs.NodeCreater)((*Node)(nil))
var _ = (fs.NodeMkdirer)((*Node)(nil))
var _ = (fs.NodeUnlinker)((*Node)(nil))
var _ = (fs.NodeRmdirer)((*Node)(nil))
var _ = (fs.NodeRenamer)((*Node)(nil))
var _ = (fs.NodeSetattrer)((*Node)(nil))
var _ = (fs.NodeSymlinker)((*Node)(nil))
var _ = (fs.NodeReadlinker)((*Node)(nil))

func (n *Node) realPath() string {
	return filepath.Join(n.state.backing, n.relPath)
}

func (n *Node) childRel(name string) string {
	return path.Join(n.relPath, name)
}

// intercept builds the operation descriptor, evaluates it, and applies the
// blocking part of the decision. A non-zero errno means the call must return
// it without touching the backing path.
func (n *Node) intercept(ctx context.Context, kind rules.OpKind, rel string) syscall.Errno {
	op := rules.Op{Kind: kind, Path: rel, Pid: callerPid(ctx)}
	return n.state.gate(ctx, n.state.decide(op), 0)
}

func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if errno := n.intercept(ctx, rules.OpGetattr, n.relPath); errno != 0 {
		return errno
	}
	var st unix.Stat_t
	if err := unix.Lstat(n.realPath(), &st); err != nil {
		return fs.ToErrno(err)
	}
	attrFromStat(&st, &out.Attr)
	return 0
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := n.childRel(name)
	if errno := n.intercept(ctx, rules.OpLookup, rel); errno != 0 {
		return nil, errno
	}
	var st unix.Stat_t
	if err := unix.Lstat(filepath.Join(n.state.backing, rel), &st); err != nil {
		return nil, fs.ToErrno(err)
	}
	attrFromStat(&st, &out.Attr)
	child := n.NewInode(ctx, &Node{state: n.state, relPath: rel}, stableAttr(&st))
	return child, 0
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if errno := n.intercept(ctx, rules.OpReaddir, n.relPath); errno != 0 {
		return nil, errno
	}
	entries, err := os.ReadDir(n.realPath())
	if err != nil {
		return nil, fs.ToErrno(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		var st unix.Stat_t
		mode := uint32(syscall.S_IFREG)
		var ino uint64
		if err := unix.Lstat(filepath.Join(n.realPath(), e.Name()), &st); err == nil {
			mode = st.Mode
			ino = st.Ino
		} else if e.IsDir() {
			mode = syscall.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name(), Mode: mode, Ino: ino})
	}
	return fs.NewListDirStream(out), 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if errno := n.intercept(ctx, rules.OpOpen, n.relPath); errno != 0 {
		return nil, 0, errno
	}
	f, err := os.OpenFile(n.realPath(), int(flags), 0)
	if err != nil {
		return nil, 0, fs.ToErrno(err)
	}
	return &fileHandle{state: n.state, file: f, relPath: n.relPath}, 0, 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	rel := n.childRel(name)
	if errno := n.intercept(ctx, rules.OpCreate, rel); errno != 0 {
		return nil, nil, 0, errno
	}
	real := filepath.Join(n.state.backing, rel)
	f, err := os.OpenFile(real, int(flags)|os.O_CREATE, os.FileMode(mode))
	if err != nil {
		return nil, nil, 0, fs.ToErrno(err)
	}

	var st unix.Stat_t
	if err := unix.Lstat(real, &st); err != nil {
		f.Close()
		return nil, nil, 0, fs.ToErrno(err)
	}
	attrFromStat(&st, &out.Attr)
	child := n.NewInode(ctx, &Node{state: n.state, relPath: rel}, stableAttr(&st))
	handle := &fileHandle{state: n.state, file: f, relPath: rel}
	return child, handle, 0, 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := n.childRel(name)
	if errno := n.intercept(ctx, rules.OpMkdir, rel); errno != 0 {
		return nil, errno
	}
	real := filepath.Join(n.state.backing, rel)
	if err := os.Mkdir(real, os.FileMode(mode)); err != nil {
		return nil, fs.ToErrno(err)
	}
	var st unix.Stat_t
	if err := unix.Lstat(real, &st); err != nil {
		return nil, fs.ToErrno(err)
	}
	attrFromStat(&st, &out.Attr)
	child := n.NewInode(ctx, &Node{state: n.state, relPath: rel}, stableAttr(&st))
	return child, 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	rel := n.childRel(name)
	if errno := n.intercept(ctx, rules.OpUnlink, rel); errno != 0 {
		return errno
	}
	return fs.ToErrno(syscall.Unlink(filepath.Join(n.state.backing, rel)))
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	rel := n.childRel(name)
	if errno := n.intercept(ctx, rules.OpRmdir, rel); errno != 0 {
		return errno
	}
	return fs.ToErrno(syscall.Rmdir(filepath.Join(n.state.backing, rel)))
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	oldRel := n.childRel(name)
	parent, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	newRel := parent.childRel(newName)

	if errno := n.intercept(ctx, rules.OpRename, oldRel); errno != 0 {
		return errno
	}
	err := os.Rename(filepath.Join(n.state.backing, oldRel), filepath.Join(n.state.backing, newRel))
	return fs.ToErrno(err)
}

func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	kind := rules.OpSetattr
	if _, ok := in.GetSize(); ok {
		kind = rules.OpTruncate
	}
	if errno := n.intercept(ctx, kind, n.relPath); errno != 0 {
		return errno
	}

	real := n.realPath()
	if mode, ok := in.GetMode(); ok {
		if err := os.Chmod(real, os.FileMode(mode)); err != nil {
			return fs.ToErrno(err)
		}
	}
	if uid, ok := in.GetUID(); ok {
		gid := uint32(0)
		hasGid := false
		if g, ok := in.GetGID(); ok {
			gid, hasGid = g, true
		}
		chownGid := -1
		if hasGid {
			chownGid = int(gid)
		}
		if err := os.Chown(real, int(uid), chownGid); err != nil {
			return fs.ToErrno(err)
		}
	} else if gid, ok := in.GetGID(); ok {
		if err := os.Chown(real, -1, int(gid)); err != nil {
			return fs.ToErrno(err)
		}
	}
	if size, ok := in.GetSize(); ok {
		if err := os.Truncate(real, int64(size)); err != nil {
			return fs.ToErrno(err)
		}
	}

	var st unix.Stat_t
	if err := unix.Lstat(real, &st); err != nil {
		return fs.ToErrno(err)
	}
	attrFromStat(&st, &out.Attr)
	return 0
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := n.childRel(name)
	if errno := n.intercept(ctx, rules.OpSymlink, rel); errno != 0 {
		return nil, errno
	}
	real := filepath.Join(n.state.backing, rel)
	if err := os.Symlink(target, real); err != nil {
		return nil, fs.ToErrno(err)
	}
	var st unix.Stat_t
	if err := unix.Lstat(real, &st); err != nil {
		return nil, fs.ToErrno(err)
	}
	attrFromStat(&st, &out.Attr)
	child := n.NewInode(ctx, &Node{state: n.state, relPath: rel}, stableAttr(&st))
	return child, 0
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	if errno := n.intercept(ctx, rules.OpReadlink, n.relPath); errno != 0 {
		return nil, errno
	}
	target, err := os.Readlink(n.realPath())
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	return []byte(target), 0
}

func stableAttr(st *unix.Stat_t) fs.StableAttr {
	return fs.StableAttr{Mode: st.Mode, Ino: st.Ino}
}

func attrFromStat(st *unix.Stat_t, attr *fuse.Attr) {
	attr.Ino = st.Ino
	attr.Size = uint64(st.Size)
	attr.Blocks = uint64(st.Blocks)
	attr.Blksize = uint32(st.Blksize)
	attr.Mode = st.Mode
	attr.Nlink = uint32(st.Nlink)
	attr.Owner = fuse.Owner{Uid: st.Uid, Gid: st.Gid}
	attr.Atime = uint64(st.Atim.Sec)
	attr.Atimensec = uint32(st.Atim.Nsec)
	attr.Mtime = uint64(st.Mtim.Sec)
	attr.Mtimensec = uint32(st.Mtim.Nsec)
	attr.Ctime = uint64(st.Ctim.Sec)
	attr.Ctimensec = uint32(st.Ctim.Nsec)
}
