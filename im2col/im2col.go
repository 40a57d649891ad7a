// Package im2col turns images into the flat window layout expected by the
// conv model and reads images stored in the IDX format.
package im2col

import "fmt"

// Windows returns the number of kernel positions along each axis of a
// rows x cols image.
func Windows(rows, cols, kernel, stride int) (int, int) {
	return (rows-kernel)/stride + 1, (cols-kernel)/stride + 1
}

// Encode lays out the kernel x kernel windows of a row-major image so that
// slot k*W+w holds pixel k of window w, where W is the window count and
// windows and kernel pixels are numbered row by row. The second value is W.
func Encode(image []float64, rows, cols, kernel, stride int) ([]float64, int, error) {
	if len(image) != rows*cols {
		return nil, 0, fmt.Errorf("image has %d pixels, want %dx%d", len(image), rows, cols)
	}
	if kernel <= 0 || stride <= 0 {
		return nil, 0, fmt.Errorf("kernel size and stride must be positive, got %d and %d", kernel, stride)
	}
	if kernel > rows || kernel > cols {
		return nil, 0, fmt.Errorf("kernel of size %d doesn't fit a %dx%d image", kernel, rows, cols)
	}

	wr, wc := Windows(rows, cols, kernel, stride)
	windows := wr * wc
	out := make([]float64, kernel*kernel*windows)
	for i := 0; i < wr; i++ {
		for j := 0; j < wc; j++ {
			w := i*wc + j
			for ki := 0; ki < kernel; ki++ {
				for kj := 0; kj < kernel; kj++ {
					k := ki*kernel + kj
					out[k*windows+w] = image[(i*stride+ki)*cols+j*stride+kj]
				}
			}
		}
	}
	return out, windows, nil
}
