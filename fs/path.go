package fs

import (
	"github.com/mit-pdos/scalefs/common"
)

// Path resolution.

// skipelem copies the next path element into name and returns the
// remainder with leading slashes removed, so the caller can check
// rest == "" to see whether name was the last element.
//
//   skipelem("a/bb/c") = ("bb/c", "a", 1)
//   skipelem("///a//bb") = ("bb", "a", 1)
//   skipelem("a") = ("", "a", 1)
//   skipelem("") = skipelem("////") = ("", "", 0)
//
// r is 1 on success, 0 when no element remains, -1 when the element
// exceeds DIRSIZ.
func skipelem(path string) (rest string, name string, r int) {
	i := 0
	for i < len(path) && path[i] == '/' {
		i++
	}
	if i == len(path) {
		return "", "", 0
	}
	s := i
	for i < len(path) && path[i] != '/' {
		i++
	}
	if uint64(i-s) > common.DIRSIZ {
		return "", "", -1
	}
	name = path[s:i]
	for i < len(path) && path[i] == '/' {
		i++
	}
	return path[i:], name, 1
}

// namex walks path from cwd (or the root for absolute paths). With
// wantParent it stops one level early and returns the final component.
// Every step requires a directory.
func (fs *Fs) namex(cwd *Inode, path string, wantParent bool) (*Inode, string, error) {
	g := fs.gc.Enter()
	defer g.Exit()

	if path == "" {
		return nil, "", common.ErrInvalid
	}

	var ip *Inode
	if path[0] == '/' {
		ip = fs.root
	} else {
		ip = cwd
	}
	ip.incRef()

	for {
		rest, name, r := skipelem(path)
		if r == -1 {
			ip.Release()
			return nil, "", common.ErrNameTooLong
		}
		if r == 0 {
			break
		}
		if ip.Type() == common.TFREE {
			panic("namex: free inode on path")
		}
		if ip.Type() != common.TDIR {
			ip.Release()
			return nil, "", common.ErrNotDir
		}
		if wantParent && rest == "" {
			return ip, name, nil
		}

		next, err := fs.Dirlookup(ip, name)
		if err != nil {
			ip.Release()
			return nil, "", err
		}
		ip.Release()
		ip = next
		path = rest
	}

	if wantParent {
		// No final component to hand back.
		ip.Release()
		return nil, "", common.ErrInvalid
	}
	return ip, "", nil
}

// Namei resolves path to a referenced inode.
func (fs *Fs) Namei(cwd *Inode, path string) (*Inode, error) {
	ip, _, err := fs.namex(cwd, path, false)
	return ip, err
}

// Nameiparent resolves path to the parent directory of its final
// component and returns that component.
func (fs *Fs) Nameiparent(cwd *Inode, path string) (*Inode, string, error) {
	return fs.namex(cwd, path, true)
}
