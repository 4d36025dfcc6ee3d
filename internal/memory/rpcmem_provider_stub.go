//go:build !(qcom && linux && cgo)

package memory

import "go.uber.org/zap"

// RPCMemProvider is a stub when built without the qcom tag.
type RPCMemProvider struct{}

// NewRPCMemProvider reports that the rpcmem library was not linked in.
func NewRPCMemProvider(log *zap.Logger) (*RPCMemProvider, error) {
	return nil, ErrProviderUnavailable
}

func (p *RPCMemProvider) Name() string { return "rpcmem" }

func (p *RPCMemProvider) Alloc(heap HeapID, flags Flags, size int) ([]byte, error) {
	return nil, ErrProviderUnavailable
}

func (p *RPCMemProvider) Free(mem []byte) error {
	return ErrProviderUnavailable
}

func (p *RPCMemProvider) ToFD(mem []byte) (int, error) {
	return -1, ErrProviderUnavailable
}
