package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArgmax(t *testing.T) {
	require.Equal(t, 0, argmax([]float64{1}))
	require.Equal(t, 2, argmax([]float64{-3, 0.5, 0.7, 0.1}))
	require.Equal(t, 0, argmax([]float64{2, 2}), "ties keep the first index")
}

func TestCreateEncryptDecrypt(t *testing.T) {
	if testing.Short() {
		t.Skip("generates keys")
	}
	dir := t.TempDir()
	ctxPath := filepath.Join(dir, "ctx.bin")
	inPath := filepath.Join(dir, "vec.json")
	encPath := filepath.Join(dir, "vec.bin")

	require.NoError(t, createContext([]string{
		"-out", ctxPath, "-poly-degree", "4096", "-coeff-sizes", "50,40,40,60", "-scale", "40", "-galois=false",
	}))
	require.NoError(t, os.WriteFile(inPath, []byte("[0.25, -1.5, 3]"), 0o600))
	require.NoError(t, encrypt([]string{"-context", ctxPath, "-in", inPath, "-out", encPath}))

	heCtx, err := readContext(ctxPath)
	require.NoError(t, err)
	require.True(t, heCtx.IsPrivate())
	require.True(t, heCtx.HasRelinearizationKey())
	require.False(t, heCtx.HasGaloisKeys())

	data, err := os.ReadFile(encPath)
	require.NoError(t, err)
	values, err := decryptBlob(heCtx, data)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{0.25, -1.5, 3}, values, 1e-4)
}

func TestCreateContextRejectsDegree(t *testing.T) {
	err := createContext([]string{"-out", filepath.Join(t.TempDir(), "ctx.bin"), "-poly-degree", "3000"})
	require.Error(t, err)
}
