package gpu

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"
)

func BenchmarkReferenceBackend_VectorCopy(b *testing.B) {
	backend := NewReferenceBackend(zap.NewNop())
	if err := backend.Initialize(); err != nil {
		b.Fatal(err)
	}
	defer backend.Cleanup()

	prog, err := backend.BuildProgram(testKernels)
	if err != nil {
		b.Fatal(err)
	}

	sizes := []int{1 << 16, 1 << 20, 1 << 24}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("bytes_%d", size), func(b *testing.B) {
			src, _ := backend.CreateBuffer(size)
			dst, _ := backend.CreateBuffer(size)
			defer src.Release()
			defer dst.Release()

			k, err := prog.Kernel("vector_copy_float8")
			if err != nil {
				b.Fatal(err)
			}
			_ = k.SetArg(0, dst)
			_ = k.SetArg(1, src)
			_ = k.SetArg(2, int32(size/32))
			ws := ComputeWorkSize(size/32, DefaultLocalSize, 1024)

			b.SetBytes(int64(size) * 2)
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if err := backend.Enqueue(k, ws); err != nil {
					b.Fatal(err)
				}
			}
			if err := backend.Finish(context.Background()); err != nil {
				b.Fatal(err)
			}
		})
	}
}
