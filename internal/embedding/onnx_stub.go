//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

var errNoCGO = errors.New("ONNX provider requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// ONNXProvider stub type when built without CGO (see onnx.go for real implementation).
type ONNXProvider struct{}

// NewONNXProvider returns an error when built without CGO (ONNX not available).
func NewONNXProvider(_ string, _, _ int) (*ONNXProvider, error) {
	return nil, errNoCGO
}

// Embed implements Provider.
func (e *ONNXProvider) Embed(context.Context, []string) ([][]float32, error) { return nil, errNoCGO }

// Meta implements Provider.
func (e *ONNXProvider) Meta() Meta { return Meta{ProviderID: "onnx"} }

// Close implements Provider.
func (e *ONNXProvider) Close() error { return nil }
