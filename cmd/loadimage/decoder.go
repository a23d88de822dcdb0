package main

import "github.com/gopherimg/pipeline/imageio"

// passthroughDecoder treats accumulated bytes as an opaque payload rather
// than parsing a real image codec — enough to exercise the pipeline's
// fetch/decode/complete flow end to end in this demo. A real host
// application supplies its own Decoder/DecoderRegistry.
type passthroughDecoder struct{}

func (passthroughDecoder) Decode(buf *imageio.DataBuffer, isFinal bool) (*imageio.Image, error) {
	if !isFinal {
		return nil, nil
	}
	return &imageio.Image{Bytes: buf.Bytes()}, nil
}

type passthroughRegistry struct{}

func (passthroughRegistry) Select(dc imageio.DecodingContext) (imageio.Decoder, error) {
	return passthroughDecoder{}, nil
}
