package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

const (
	idxImageMagic = 2051
	idxLabelMagic = 2049
	pixelScale    = 255.0
	// maxIDXPixels bounds the size of one image.
	maxIDXPixels = 1 << 20
)

// MNIST file prefixes.
const (
	MNISTTrain = "train"
	MNISTTest  = "t10k"
)

// LoadMNIST reads <prefix>-images-idx3-ubyte and <prefix>-labels-idx1-ubyte
// from dir, accepting a .gz suffix on either. At most limit samples are
// read; limit <= 0 reads everything. Pixels are scaled to [0, 1].
func LoadMNIST(dir, prefix string, limit int) (*Set, error) {
	images, err := openIDX(dir, prefix+"-images-idx3-ubyte")
	if err != nil {
		return nil, err
	}
	defer images.Close()

	labels, err := openIDX(dir, prefix+"-labels-idx1-ubyte")
	if err != nil {
		return nil, err
	}
	defer labels.Close()

	set, err := ReadIDX(images, labels, limit)
	if err != nil {
		return nil, fmt.Errorf("mnist %s: %w", prefix, err)
	}
	set.Name = "mnist-" + prefix
	return set, nil
}

type idxFile struct {
	io.Reader
	closers []io.Closer
}

func (f *idxFile) Close() error {
	var first error
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openIDX(dir, name string) (*idxFile, error) {
	path := filepath.Join(dir, name)
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		path += ".gz"
		file, err = os.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	buffered := bufio.NewReader(file)
	magic, err := buffered.Peek(2)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return &idxFile{Reader: buffered, closers: []io.Closer{file}}, nil
	}
	gz, err := gzip.NewReader(buffered)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("gunzip %s: %w", path, err)
	}
	return &idxFile{Reader: gz, closers: []io.Closer{file, gz}}, nil
}

// ReadIDX decodes an IDX image stream and its label stream.
func ReadIDX(images, labels io.Reader, limit int) (*Set, error) {
	var imgHeader [4]uint32
	if err := binary.Read(images, binary.BigEndian, &imgHeader); err != nil {
		return nil, fmt.Errorf("%w: image header: %v", ErrBadFormat, err)
	}
	if imgHeader[0] != idxImageMagic {
		return nil, fmt.Errorf("%w: image magic %d", ErrBadFormat, imgHeader[0])
	}
	var lblHeader [2]uint32
	if err := binary.Read(labels, binary.BigEndian, &lblHeader); err != nil {
		return nil, fmt.Errorf("%w: label header: %v", ErrBadFormat, err)
	}
	if lblHeader[0] != idxLabelMagic {
		return nil, fmt.Errorf("%w: label magic %d", ErrBadFormat, lblHeader[0])
	}

	count := int(imgHeader[1])
	if n := int(lblHeader[1]); n < count {
		count = n
	}
	if limit > 0 && limit < count {
		count = limit
	}
	pixels := int(imgHeader[2]) * int(imgHeader[3])
	if count == 0 || pixels == 0 {
		return nil, ErrEmptySet
	}
	if pixels > maxIDXPixels {
		return nil, fmt.Errorf("%w: %dx%d images exceed %d pixels", ErrBadFormat, imgHeader[2], imgHeader[3], maxIDXPixels)
	}

	// Grow with the data actually read; the header count is not trusted.
	var data []float64
	buf := make([]byte, pixels)
	for j := 0; j < count; j++ {
		if _, err := io.ReadFull(images, buf); err != nil {
			return nil, fmt.Errorf("%w: image %d: %v", ErrBadFormat, j, err)
		}
		for _, b := range buf {
			data = append(data, float64(b)/pixelScale)
		}
	}
	features := mat.DenseCopyOf(mat.NewDense(count, pixels, data).T())

	raw := make([]byte, count)
	if _, err := io.ReadFull(labels, raw); err != nil {
		return nil, fmt.Errorf("%w: labels: %v", ErrBadFormat, err)
	}
	labelValues := make([]int, count)
	for j, b := range raw {
		labelValues[j] = int(b)
	}
	return newSet("idx", features, labelValues)
}
