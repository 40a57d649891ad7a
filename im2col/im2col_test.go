package im2col

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func idxImages(t *testing.T, count, rows, cols int, pixels []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []int32{imagesMagic, int32(count), int32(rows), int32(cols)}))
	buf.Write(pixels)
	return buf.Bytes()
}

func TestEncode(t *testing.T) {
	// 3x3 image, 2x2 kernel, stride 1: four windows.
	image := []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}
	out, windows, err := Encode(image, 3, 3, 2, 1)
	require.NoError(t, err)
	require.Equal(t, 4, windows)
	require.Equal(t, []float64{
		1, 2, 4, 5, // top-left pixel of each window
		2, 3, 5, 6, // top-right
		4, 5, 7, 8, // bottom-left
		5, 6, 8, 9, // bottom-right
	}, out)
}

func TestEncodeStride(t *testing.T) {
	image := make([]float64, 16)
	for i := range image {
		image[i] = float64(i)
	}
	out, windows, err := Encode(image, 4, 4, 2, 2)
	require.NoError(t, err)
	require.Equal(t, 4, windows)
	// Top-left pixels of the four non-overlapping windows.
	require.Equal(t, []float64{0, 2, 8, 10}, out[:4])

	r, c := Windows(28, 28, 7, 3)
	require.Equal(t, 8, r)
	require.Equal(t, 8, c)
}

func TestEncodeErrors(t *testing.T) {
	_, _, err := Encode(make([]float64, 8), 3, 3, 2, 1)
	require.Error(t, err)
	_, _, err = Encode(make([]float64, 9), 3, 3, 4, 1)
	require.Error(t, err)
	_, _, err = Encode(make([]float64, 9), 3, 3, 2, 0)
	require.Error(t, err)
}

func TestDecodeImages(t *testing.T) {
	data := idxImages(t, 2, 2, 2, []byte{0, 255, 51, 102, 255, 255, 0, 0})
	images, err := DecodeImages(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 2, images.Rows)
	require.Len(t, images.Pixels, 2)
	require.InDeltaSlice(t, []float64{0, 1, 0.2, 0.4}, images.Pixels[0], 1e-12)

	path := filepath.Join(t.TempDir(), "images-idx3-ubyte")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	fromFile, err := ReadImages(path)
	require.NoError(t, err)
	require.Equal(t, images, fromFile)
}

func TestDecodeErrors(t *testing.T) {
	_, err := DecodeImages(bytes.NewReader(idxImages(t, 2, 2, 2, []byte{1, 2, 3})))
	require.Error(t, err, "truncated pixel data")

	bad := idxImages(t, 1, 1, 1, []byte{0})
	bad[3] = 0x01
	_, err = DecodeImages(bytes.NewReader(bad))
	require.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []int32{labelsMagic, 3}))
	buf.Write([]byte{7, 2, 1})
	labels, err := DecodeLabels(&buf)
	require.NoError(t, err)
	require.Equal(t, []int{7, 2, 1}, labels)

	_, err = DecodeLabels(bytes.NewReader(idxImages(t, 0, 1, 1, nil)))
	require.Error(t, err)
}
