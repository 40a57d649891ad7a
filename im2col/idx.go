package im2col

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	imagesMagic = 2051
	labelsMagic = 2049
)

// Images is a set of grayscale images read from an IDX file, normalized to
// [0, 1] and stored row-major.
type Images struct {
	Rows, Cols int
	Pixels     [][]float64
}

// ReadImages reads an IDX3 image file such as the MNIST image sets.
func ReadImages(filename string) (*Images, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return DecodeImages(file)
}

// DecodeImages reads IDX3 image data from r.
func DecodeImages(r io.Reader) (*Images, error) {
	header := make([]int32, 4)
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("error reading image header: %w", err)
	}
	if header[0] != imagesMagic {
		return nil, fmt.Errorf("invalid magic number: %d", header[0])
	}
	count, rows, cols := int(header[1]), int(header[2]), int(header[3])
	if count < 0 || rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %dx%dx%d", count, rows, cols)
	}

	numPixels := rows * cols
	data := make([]byte, count*numPixels)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("error reading image data: %w", err)
	}

	images := &Images{Rows: rows, Cols: cols, Pixels: make([][]float64, count)}
	for i := range images.Pixels {
		images.Pixels[i] = make([]float64, numPixels)
		for j := 0; j < numPixels; j++ {
			images.Pixels[i][j] = float64(data[i*numPixels+j]) / 255.0
		}
	}
	return images, nil
}

// ReadLabels reads an IDX1 label file.
func ReadLabels(filename string) ([]int, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return DecodeLabels(file)
}

// DecodeLabels reads IDX1 label data from r.
func DecodeLabels(r io.Reader) ([]int, error) {
	header := make([]int32, 2)
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("error reading label header: %w", err)
	}
	if header[0] != labelsMagic {
		return nil, fmt.Errorf("invalid magic number: %d", header[0])
	}
	if header[1] < 0 {
		return nil, fmt.Errorf("invalid label count %d", header[1])
	}

	data := make([]byte, header[1])
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("error reading label data: %w", err)
	}
	labels := make([]int, len(data))
	for i, b := range data {
		labels[i] = int(b)
	}
	return labels, nil
}
