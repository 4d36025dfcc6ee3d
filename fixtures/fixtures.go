package fixtures

import (
	_ "embed"
)

//go:embed config/config.yaml.template
var ConfigTemplate []byte

//go:embed kernels/fill_array.cl
var FillArrayKernel string

//go:embed kernels/fill_accumulate.cl
var FillAccumulateKernel string

//go:embed kernels/bandwidth.cl
var BandwidthKernel string

// Kernels maps each kernel file name to its embedded source.
var Kernels = map[string]string{
	"fill_array.cl":      FillArrayKernel,
	"fill_accumulate.cl": FillAccumulateKernel,
	"bandwidth.cl":       BandwidthKernel,
}
