// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream decodes streaming chat responses.
//
// This file contains the transport decoder, which turns an arbitrarily
// chunked byte stream into complete text frames.
//
// Single Responsibility:
//
//	The decoder ONLY frames. It does not interpret frame contents; that is
//	the Parser's job. Keeping the two apart lets each be tested against
//	hostile input on its own.
//
// Pipeline:
//
//	HTTP body → FrameDecoder → frames → Parser → StreamEvent
package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// =============================================================================
// Frame Modes
// =============================================================================

// FrameMode selects the frame boundary rule.
type FrameMode int

const (
	// FrameModeEvent splits on a blank line ("\n\n"), the SSE event boundary.
	FrameModeEvent FrameMode = iota

	// FrameModeLine splits on every newline.
	FrameModeLine
)

// delimiter returns the frame separator for the mode.
func (m FrameMode) delimiter() string {
	if m == FrameModeLine {
		return "\n"
	}
	return "\n\n"
}

// String returns the mode name used in logs.
func (m FrameMode) String() string {
	if m == FrameModeLine {
		return "line"
	}
	return "event"
}

// readChunkSize is the read buffer size used by ReadFrames.
const readChunkSize = 4096

// =============================================================================
// Frame Decoder
// =============================================================================

// FrameDecoder incrementally converts byte chunks into text frames.
//
// Bytes are run through a streaming UTF-8 decoder first, so a multi-byte
// code point split across two chunks is reassembled rather than mangled.
// Invalid sequences are replaced with U+FFFD.
//
// Guarantees:
//   - Frames are returned in arrival order.
//   - No frame is returned twice.
//   - No decoded text is dropped; the unterminated tail is kept until the
//     next Feed or until Flush.
//
// Thread Safety:
//
//	FrameDecoder is NOT safe for concurrent use. One decoder serves one
//	response body.
//
// Example:
//
//	dec := NewFrameDecoder(FrameModeEvent)
//	for _, frame := range dec.Feed(chunk) {
//	    events := parser.ParseFrame(frame)
//	}
//	for _, frame := range dec.Flush() {
//	    events := parser.ParseFrame(frame)
//	}
type FrameDecoder struct {
	mode    FrameMode
	delim   string
	utf8    transform.Transformer
	pending []byte
	buf     strings.Builder
}

// NewFrameDecoder creates a decoder for the given boundary rule.
func NewFrameDecoder(mode FrameMode) *FrameDecoder {
	return &FrameDecoder{
		mode:  mode,
		delim: mode.delimiter(),
		utf8:  unicode.UTF8.NewDecoder(),
	}
}

// Mode returns the decoder's frame boundary rule.
func (d *FrameDecoder) Mode() FrameMode {
	return d.mode
}

// Feed appends a chunk and returns every frame it completed.
//
// An empty chunk is legal and returns nothing new.
func (d *FrameDecoder) Feed(chunk []byte) []string {
	d.buf.WriteString(d.decode(chunk, false))
	return d.split()
}

// Flush signals end of stream.
//
// Any bytes held back as an incomplete code point are decoded (as U+FFFD),
// the remaining complete frames are returned, and a non-empty trailing
// fragment is returned as one final frame. The decoder is empty afterwards.
func (d *FrameDecoder) Flush() []string {
	d.buf.WriteString(d.decode(nil, true))
	frames := d.split()
	if tail := d.buf.String(); tail != "" {
		frames = append(frames, tail)
	}
	d.buf.Reset()
	return frames
}

// Buffered returns the undelivered text currently held by the decoder.
func (d *FrameDecoder) Buffered() string {
	return d.buf.String()
}

// split extracts every complete frame from the buffer.
func (d *FrameDecoder) split() []string {
	text := d.buf.String()
	if strings.Contains(text, "\r\n") {
		text = strings.ReplaceAll(text, "\r\n", "\n")
	}
	if !strings.Contains(text, d.delim) {
		if text != d.buf.String() {
			d.buf.Reset()
			d.buf.WriteString(text)
		}
		return nil
	}

	parts := strings.Split(text, d.delim)
	tail := parts[len(parts)-1]
	frames := parts[:len(parts)-1]

	d.buf.Reset()
	d.buf.WriteString(tail)
	return frames
}

// decode runs src through the streaming UTF-8 transformer.
//
// When atEOF is false, an incomplete trailing sequence is held in pending
// and completed by the next call.
func (d *FrameDecoder) decode(chunk []byte, atEOF bool) string {
	src := chunk
	if len(d.pending) > 0 {
		src = append(d.pending, chunk...)
		d.pending = nil
	}
	if len(src) == 0 {
		return ""
	}

	// U+FFFD is three bytes, so this bound fits any replacement expansion.
	dst := make([]byte, len(src)*3+utf8.UTFMax)
	var out strings.Builder
	for {
		nDst, nSrc, err := d.utf8.Transform(dst, src, atEOF)
		out.Write(dst[:nDst])
		src = src[nSrc:]

		switch {
		case err == nil:
			return out.String()
		case errors.Is(err, transform.ErrShortSrc):
			d.pending = append([]byte(nil), src...)
			return out.String()
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				dst = make([]byte, len(dst)*2)
			}
		default:
			// The UTF-8 decoder reports no other errors; keep the bytes verbatim.
			out.WriteString(strings.ToValidUTF8(string(src), string(utf8.RuneError)))
			return out.String()
		}
	}
}

// =============================================================================
// Reader Helper
// =============================================================================

// FrameFunc receives each decoded frame. Returning an error stops reading.
type FrameFunc func(frame string) error

// ErrStopReading can be returned by a FrameFunc to stop without an error.
var ErrStopReading = errors.New("stop reading")

// ReadFrames reads r to completion, invoking fn for every frame.
//
// Reading stops when r is exhausted, when fn returns an error, or when ctx
// is cancelled. Returning ErrStopReading from fn ends reading with a nil
// error. The trailing fragment is flushed only on a clean end of stream.
func ReadFrames(ctx context.Context, r io.Reader, mode FrameMode, fn FrameFunc) error {
	dec := NewFrameDecoder(mode)
	buf := make([]byte, readChunkSize)

	emit := func(frames []string) error {
		for _, frame := range frames {
			if err := fn(frame); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			if err := emit(dec.Feed(buf[:n])); err != nil {
				return stopErr(err)
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return stopErr(emit(dec.Flush()))
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return readErr
		}
	}
}

func stopErr(err error) error {
	if errors.Is(err, ErrStopReading) {
		return nil
	}
	return err
}
