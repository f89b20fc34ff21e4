package field

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Codec reads and writes images in one on-disk format. Implementations
// are provided by the embedding application; the engine only defines
// the contract it needs.
type Codec interface {
	// Extensions lists the filename suffixes the codec claims,
	// including the leading dot.
	Extensions() []string

	// ReadScalar loads a single-component image.
	ReadScalar(filename string) (*Scalar, error)

	// ReadComposite loads all components of an image.
	ReadComposite(filename string) (*Composite, error)

	// ReadVector loads a displacement field. Components are expected
	// in the RAS physical convention and returned unconverted.
	ReadVector(filename string) (*Vector, error)

	// WriteScalar stores a single-component image.
	WriteScalar(img *Scalar, filename string) error

	// WriteComposite stores all components of an image.
	WriteComposite(img *Composite, filename string) error

	// WriteVector stores a displacement field, components as given.
	WriteVector(v *Vector, filename string) error
}

var (
	codecMu  sync.RWMutex
	codecs   = map[string]Codec{}
	codecExt []string
)

// RegisterCodec makes a codec available for the filename extensions it
// claims. Later registrations override earlier ones for the same
// extension.
func RegisterCodec(c Codec) {
	codecMu.Lock()
	defer codecMu.Unlock()
	for _, ext := range c.Extensions() {
		ext = strings.ToLower(ext)
		if _, ok := codecs[ext]; !ok {
			codecExt = append(codecExt, ext)
		}
		codecs[ext] = c
	}
	sort.Strings(codecExt)
}

// CodecFor returns the codec claiming the extension of filename.
func CodecFor(filename string) (Codec, error) {
	codecMu.RLock()
	defer codecMu.RUnlock()
	name := strings.ToLower(filepath.Base(filename))
	// Longest claimed suffix wins, so ".nii.gz" beats ".gz".
	var best Codec
	bestLen := 0
	for ext, c := range codecs {
		if strings.HasSuffix(name, ext) && len(ext) > bestLen {
			best, bestLen = c, len(ext)
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no image codec registered for %s (known: %s)", filename, strings.Join(codecExt, " "))
	}
	return best, nil
}

// ReadScalar loads a scalar image through the codec registry.
func ReadScalar(filename string) (*Scalar, error) {
	c, err := CodecFor(filename)
	if err != nil {
		return nil, err
	}
	return c.ReadScalar(filename)
}

// ReadComposite loads a multi-component image through the codec registry.
func ReadComposite(filename string) (*Composite, error) {
	c, err := CodecFor(filename)
	if err != nil {
		return nil, err
	}
	return c.ReadComposite(filename)
}

// ReadVector loads a displacement field through the codec registry.
func ReadVector(filename string) (*Vector, error) {
	c, err := CodecFor(filename)
	if err != nil {
		return nil, err
	}
	return c.ReadVector(filename)
}

// WriteScalar stores a scalar image through the codec registry.
func WriteScalar(img *Scalar, filename string) error {
	c, err := CodecFor(filename)
	if err != nil {
		return err
	}
	return c.WriteScalar(img, filename)
}

// WriteComposite stores a multi-component image through the codec
// registry.
func WriteComposite(img *Composite, filename string) error {
	c, err := CodecFor(filename)
	if err != nil {
		return err
	}
	return c.WriteComposite(img, filename)
}

// WriteVector stores a displacement field through the codec registry.
func WriteVector(v *Vector, filename string) error {
	c, err := CodecFor(filename)
	if err != nil {
		return err
	}
	return c.WriteVector(v, filename)
}
