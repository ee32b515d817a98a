package bridge

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// FileChunkSize is the streaming unit for uploads and downloads. Progress
// events are emitted per chunk.
const FileChunkSize = 256 * 1024

// Entry describes one remote file for the browser's file manager.
type Entry struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	HumanSize string    `json:"human_size"`
	Mode      string    `json:"mode"`
	ModTime   time.Time `json:"mod_time"`
	IsDir     bool      `json:"is_dir"`
	UID       uint32    `json:"uid"`
	GID       uint32    `json:"gid"`
}

// Files exposes SFTP operations over an established SSH client.
type Files struct {
	client *sftp.Client
	emit   Emitter
}

func OpenFiles(sshClient *ssh.Client, emit Emitter) (*Files, error) {
	c, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}
	return &Files{client: c, emit: emit}, nil
}

func (f *Files) Close() error {
	return f.client.Close()
}

// List returns the directory entries at path.
func (f *Files) List(path string) ([]Entry, error) {
	infos, err := f.client.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, f.entry(f.client.Join(path, info.Name()), info))
	}
	return entries, nil
}

// Stat returns the entry for a single path.
func (f *Files) Stat(path string) (Entry, error) {
	info, err := f.client.Stat(path)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return f.entry(path, info), nil
}

func (f *Files) entry(path string, info os.FileInfo) Entry {
	e := Entry{
		Name:      info.Name(),
		Path:      path,
		Size:      info.Size(),
		HumanSize: units.HumanSize(float64(info.Size())),
		Mode:      info.Mode().String(),
		ModTime:   info.ModTime(),
		IsDir:     info.IsDir(),
	}
	if st, ok := info.Sys().(*sftp.FileStat); ok {
		e.UID = st.UID
		e.GID = st.GID
	}
	return e
}

// Download streams the remote file into w in FileChunkSize pieces, emitting
// a progress event per chunk.
func (f *Files) Download(ctx context.Context, path string, w io.Writer) (int64, error) {
	src, err := f.client.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	var total int64 = -1
	if info, err := src.Stat(); err == nil {
		total = info.Size()
	}

	var transferred int64
	buf := make([]byte, FileChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return transferred, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return transferred, fmt.Errorf("write download chunk: %w", err)
			}
			transferred += int64(n)
			f.progress(path, "download", transferred, total)
		}
		if readErr == io.EOF {
			return transferred, nil
		}
		if readErr != nil {
			return transferred, fmt.Errorf("read %s: %w", path, readErr)
		}
	}
}

// Upload streams r into the remote path, truncating any existing file.
// total may be -1 when the size is unknown.
func (f *Files) Upload(ctx context.Context, path string, r io.Reader, total int64) (int64, error) {
	dst, err := f.client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer dst.Close()

	var transferred int64
	buf := make([]byte, FileChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return transferred, err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return transferred, fmt.Errorf("write %s: %w", path, err)
			}
			transferred += int64(n)
			f.progress(path, "upload", transferred, total)
		}
		if readErr == io.EOF {
			return transferred, nil
		}
		if readErr != nil {
			return transferred, fmt.Errorf("read upload stream: %w", readErr)
		}
	}
}

func (f *Files) progress(path, direction string, transferred, total int64) {
	data := map[string]any{
		"path":        path,
		"direction":   direction,
		"transferred": transferred,
		"human":       units.HumanSize(float64(transferred)),
	}
	if total >= 0 {
		data["total"] = total
		data["total_human"] = units.HumanSize(float64(total))
	}
	f.emit("file_progress", data)
}

// Mkdir creates the directory and any missing parents.
func (f *Files) Mkdir(path string) error {
	if err := f.client.MkdirAll(path); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

// Move renames oldPath to newPath. Uses POSIX rename when the server
// supports it so an existing target is replaced atomically.
func (f *Files) Move(oldPath, newPath string) error {
	err := f.client.PosixRename(oldPath, newPath)
	if err != nil {
		err = f.client.Rename(oldPath, newPath)
	}
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

// Remove deletes a file or an empty directory. Removing a missing path is
// not an error, keeping the operation idempotent.
func (f *Files) Remove(path string) error {
	info, err := f.client.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		err = f.client.RemoveDirectory(path)
	} else {
		err = f.client.Remove(path)
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Chmod sets the permission bits on path.
func (f *Files) Chmod(path string, mode os.FileMode) error {
	if err := f.client.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// Chown sets the numeric owner and group on path.
func (f *Files) Chown(path string, uid, gid int) error {
	if err := f.client.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}
