package fs

import (
	"fmt"
	"os"
)

// CopyOrLinkFile either copies or hardlinks a file based on the link argument.
// Falls back to a copy if link fails and fallback is true.
func CopyOrLinkFile(from, to string, fromMode, toMode os.FileMode, link, fallback bool) error {
	if link {
		if (fromMode & os.ModeSymlink) != 0 {
			// Don't try to hard-link to a symlink, that doesn't work reliably across all platforms.
			// Instead recreate an equivalent symlink in the new location.
			dest, err := os.Readlink(from)
			if err != nil {
				return err
			}
			return os.Symlink(dest, to)
		}
		if err := os.Link(from, to); err == nil || !fallback {
			return err
		}

		// Linking would ignore toMode, using the same mode as the from file. We should make the fallback work the same
		// here.
		info, err := os.Lstat(from)
		if err != nil {
			return err
		}
		toMode = info.Mode()
	}
	return CopyFile(from, to, toMode)
}

// CopySymlink resolves the symlink at name and recreates an equivalent symlink at dest.
func CopySymlink(name, dest string) error {
	resolvedPath, err := os.Readlink(name)
	if err != nil {
		return err
	}
	return os.Symlink(resolvedPath, dest)
}

// Link creates dest as a hard link to the src, replacing existing dest
// links to support cases where hard link metadata is not stored (e.g. with
// `git`).
func Link(src, dest string) error {
	if PathExists(dest) {
		// remove existing hard links as git won't follow them
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("could not remove link %s: %w", dest, err)
		}
	}

	return os.Link(src, dest)
}

// Symlink creates dest as symbolic link to the src, skipping if symbolic link
// already exists.
func Symlink(src, dest string) error {
	if !PathExists(src) {
		return fmt.Errorf("%s: %w", src, os.ErrNotExist)
	}

	if PathExists(dest) {
		fileInfo, err := os.Lstat(dest)
		if err != nil {
			return fmt.Errorf("could get Lstat %s: %w", dest, err)
		}
		if fileInfo.Mode()&os.ModeSymlink == os.ModeSymlink {
			// is already a symbolic link
			return nil
		}

		// remove existing files that aren't symbolic links
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("could not remove link %s: %w", dest, err)
		}
	}

	return os.Symlink(src, dest)
}
