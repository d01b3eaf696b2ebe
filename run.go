package readback

import "context"

// Report is the outcome of Run.
type Report struct {
	Adapter AdapterInfo
	Value   uint32
}

// Run executes kernelSource once on the first available adapter and
// returns the u32 it wrote.
//
// Resources are released and the device closed on every exit path.
func Run(ctx context.Context, kernelSource string, opts ...Option) (*Report, error) {
	dev, queue, err := AcquireDevice(ctx, opts...)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	res, err := BuildResources(dev, kernelSource, opts...)
	if err != nil {
		return nil, err
	}
	defer res.Release()

	seq, err := Encode(dev, res)
	if err != nil {
		return nil, err
	}
	defer seq.Release()

	value, err := RunAndRead(ctx, queue, dev, seq, res.HostBuffer)
	if err != nil {
		return nil, err
	}
	return &Report{Adapter: dev.Info(), Value: value}, nil
}
