// Package codec is the boundary between the AVIF container code and the AV1
// codec libraries. Bindings register factories for their decoders and
// encoders; callers pick one by name or take the first registered.
package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jdeng/goavif/yuv"
)

var (
	ErrCodecInit    = errors.New("codec: unable to initialize codec")
	ErrDecodeFailed = errors.New("codec: decode failed")
	ErrEncodeFailed = errors.New("codec: encode failed")
	ErrOutOfMemory  = errors.New("codec: out of memory")
	ErrNoCodec      = errors.New("codec: no codec registered")
)

// MaxThreads is the largest thread count AV1 encoders accept.
const MaxThreads = 64

// DecoderConfig configures a decoder.
type DecoderConfig struct {
	// OperatingPoint selects the AV1 operating point, 0 to 31.
	OperatingPoint int
	// AllLayers makes the decoder output every spatial layer instead of
	// only the highest one.
	AllLayers bool
	Threads   int

	// FrameSizeLimit rejects frames with more pixels. Zero means no limit.
	FrameSizeLimit int
	SkipFilmGrain  bool
}

// Decoder decodes AV1 temporal units into planar frames.
type Decoder interface {
	// Decode feeds one temporal unit to the decoder.
	Decode(data []byte) error
	// NextFrame returns the next decoded frame, or nil when there is none.
	// Frames stay valid after the next call.
	NextFrame() (*yuv.Image, error)
	Close() error
}

// EncoderConfig configures an encoder for one still image.
type EncoderConfig struct {
	Width, Height int
	BitDepth      int
	Subsampling   yuv.Subsampling

	// Quantizer is the AV1 quantizer, 0 (best) to 63.
	Quantizer int
	Lossless  bool
	// CPUUsed trades speed for compression, 0 (slowest) to 8.
	CPUUsed int
	Threads int
	CICP    yuv.CICP
}

// Profile returns the AV1 profile able to code the configured layout and
// bit depth (Annex A.2).
func (c *EncoderConfig) Profile() int {
	switch {
	case c.BitDepth == 12 || c.Subsampling == yuv.Subsampling422:
		return 2
	case c.Subsampling == yuv.Subsampling444:
		return 1
	}
	return 0
}

// Packet is one chunk of coded data.
type Packet struct {
	Data     []byte
	KeyFrame bool
}

// Encoder encodes planar frames into AV1 packets.
type Encoder interface {
	// Encode submits a frame. A nil frame flushes the encoder.
	Encode(img *yuv.Image) error
	// NextPacket returns the next available packet.
	NextPacket() (Packet, bool)
	Close() error
}

type (
	DecoderFactory func(cfg DecoderConfig) (Decoder, error)
	EncoderFactory func(cfg EncoderConfig) (Encoder, error)
)

type registration[T any] struct {
	name    string
	factory T
}

var (
	mu       sync.RWMutex
	decoders []registration[DecoderFactory]
	encoders []registration[EncoderFactory]
)

func register[T any](list *[]registration[T], name string, f T) {
	mu.Lock()
	defer mu.Unlock()
	for i := range *list {
		if (*list)[i].name == name {
			(*list)[i].factory = f
			return
		}
	}
	*list = append(*list, registration[T]{name: name, factory: f})
}

func lookup[T any](list []registration[T], name string) (string, T, error) {
	mu.RLock()
	defer mu.RUnlock()
	for _, r := range list {
		if name == "" || r.name == name {
			return r.name, r.factory, nil
		}
	}
	var zero T
	if name == "" {
		return "", zero, ErrNoCodec
	}
	return "", zero, fmt.Errorf("%w: %q", ErrNoCodec, name)
}

func names[T any](list []registration[T]) []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.name
	}
	return out
}

// RegisterDecoder makes a decoder available under name, replacing any
// previous registration of the same name.
func RegisterDecoder(name string, f DecoderFactory) { register(&decoders, name, f) }

// RegisterEncoder makes an encoder available under name.
func RegisterEncoder(name string, f EncoderFactory) { register(&encoders, name, f) }

// Decoders lists the registered decoders in registration order.
func Decoders() []string { return names(decoders) }

// Encoders lists the registered encoders in registration order.
func Encoders() []string { return names(encoders) }

// NewDecoder creates a decoder. An empty name picks the first registered
// decoder.
func NewDecoder(name string, cfg DecoderConfig) (Decoder, error) {
	n, f, err := lookup(decoders, name)
	if err != nil {
		return nil, err
	}
	d, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n, err)
	}
	return d, nil
}

// NewEncoder creates an encoder. An empty name picks the first registered
// encoder.
func NewEncoder(name string, cfg EncoderConfig) (Encoder, error) {
	n, f, err := lookup(encoders, name)
	if err != nil {
		return nil, err
	}
	cfg.Threads = min(max(cfg.Threads, 1), MaxThreads)
	e, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n, err)
	}
	return e, nil
}
