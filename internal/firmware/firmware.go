// Package firmware loads and uploads the cx23416 encoder image.
package firmware

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/smazurov/cxcap/internal/hw"
)

// Image constants.
const (
	Name = "v4l-cx2341x-enc.fw"
	Size = 256 * 1024
)

// DefaultDirs are searched by a zero FileLoader.
var DefaultDirs = []string{"/lib/firmware"}

var (
	// ErrNotFound means no directory held the image.
	ErrNotFound = errors.New("firmware: image not found")
	// ErrSize means the image is not exactly Size bytes.
	ErrSize = errors.New("firmware: bad image size")
)

// Loader supplies the encoder image.
type Loader interface {
	Load() ([]byte, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func() ([]byte, error)

// Load calls f.
func (f LoaderFunc) Load() ([]byte, error) { return f() }

// Static returns a Loader serving a fixed image.
func Static(image []byte) Loader {
	return LoaderFunc(func() ([]byte, error) { return image, nil })
}

// FileLoader reads the image from the first directory that has it.
type FileLoader struct {
	Dirs []string
	Name string
}

// Path returns the location the image would be loaded from.
func (l FileLoader) Path() (string, error) {
	dirs := l.Dirs
	if len(dirs) == 0 {
		dirs = DefaultDirs
	}
	name := l.Name
	if name == "" {
		name = Name
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	for _, dir := range dirs {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("firmware: %w", err)
		}
	}
	return "", fmt.Errorf("%w: %s in %v", ErrNotFound, name, dirs)
}

// Load reads and validates the image.
func (l FileLoader) Load() ([]byte, error) {
	p, err := l.Path()
	if err != nil {
		return nil, err
	}
	image, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("firmware: read %s: %w", p, err)
	}
	if err := Validate(image); err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return image, nil
}

// Validate checks the image length.
func Validate(image []byte) error {
	if len(image) != Size {
		return fmt.Errorf("%w: %d bytes, want %d", ErrSize, len(image), Size)
	}
	return nil
}

// Copy writes image into encoder memory from offset 0 one little-endian word
// at a time.
func Copy(mem hw.Memory, image []byte) error {
	if err := Validate(image); err != nil {
		return err
	}
	if mem.Size() < Size {
		return fmt.Errorf("firmware: encoder memory of %d bytes cannot hold the image", mem.Size())
	}
	for off := 0; off < len(image); off += 4 {
		mem.Write32(uint32(off), binary.LittleEndian.Uint32(image[off:]))
	}
	return nil
}

// Info summarizes an image.
type Info struct {
	Size     int       `json:"size"`
	SHA256   string    `json:"sha256"`
	Header   [4]uint32 `json:"header"`
	Valid    bool      `json:"valid"`
	Problems []string  `json:"problems,omitempty"`
}

// Inspect describes image without rejecting it.
func Inspect(image []byte) Info {
	sum := sha256.Sum256(image)
	info := Info{
		Size:   len(image),
		SHA256: hex.EncodeToString(sum[:]),
		Valid:  true,
	}
	for i := 0; i < len(info.Header) && (i+1)*4 <= len(image); i++ {
		info.Header[i] = binary.LittleEndian.Uint32(image[i*4:])
	}
	if err := Validate(image); err != nil {
		info.Valid = false
		info.Problems = append(info.Problems, err.Error())
	}
	return info
}

// InspectFile reads and describes the image at path. An invalid image is an
// error.
func InspectFile(path string) (Info, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	info := Inspect(image)
	if err := Validate(image); err != nil {
		return info, fmt.Errorf("%s: %w", path, err)
	}
	return info, nil
}
