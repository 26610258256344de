package cache

import (
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/pose.report/internal/pose"
)

// Frame blob layout, protobuf wire format, zstd compressed:
//
//	Frames     { repeated bytes frame = 1; }
//	Frame      { sint64 timestamp_ms = 1; repeated bytes pose = 2; }
//	Pose       { repeated double values = 1 [packed]; } // x,y,z,visibility per landmark
const (
	fieldFrame     protowire.Number = 1
	fieldTimestamp protowire.Number = 1
	fieldPose      protowire.Number = 2
	fieldValues    protowire.Number = 1
)

const valuesPerPose = pose.NumLandmarks * 4

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithZeroFrames(true))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// ErrCorruptBlob is returned when a frame blob cannot be decoded.
var ErrCorruptBlob = errors.New("corrupt frame blob")

// EncodeFrames serialises frames into a compressed blob.
func EncodeFrames(frames []pose.TimedFrame) []byte {
	var raw, frameBuf, poseBuf []byte
	for _, f := range frames {
		frameBuf = frameBuf[:0]
		frameBuf = protowire.AppendTag(frameBuf, fieldTimestamp, protowire.VarintType)
		frameBuf = protowire.AppendVarint(frameBuf, protowire.EncodeZigZag(f.TimestampMs))
		for _, p := range f.Poses {
			poseBuf = poseBuf[:0]
			for _, lm := range p {
				poseBuf = protowire.AppendFixed64(poseBuf, math.Float64bits(lm.X))
				poseBuf = protowire.AppendFixed64(poseBuf, math.Float64bits(lm.Y))
				poseBuf = protowire.AppendFixed64(poseBuf, math.Float64bits(lm.Z))
				poseBuf = protowire.AppendFixed64(poseBuf, math.Float64bits(lm.Visibility))
			}
			var packed []byte
			packed = protowire.AppendTag(packed, fieldValues, protowire.BytesType)
			packed = protowire.AppendBytes(packed, poseBuf)

			frameBuf = protowire.AppendTag(frameBuf, fieldPose, protowire.BytesType)
			frameBuf = protowire.AppendBytes(frameBuf, packed)
		}
		raw = protowire.AppendTag(raw, fieldFrame, protowire.BytesType)
		raw = protowire.AppendBytes(raw, frameBuf)
	}
	return zstdEncoder.EncodeAll(raw, nil)
}

// DecodeFrames reverses EncodeFrames.
func DecodeFrames(blob []byte) ([]pose.TimedFrame, error) {
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}

	var frames []pose.TimedFrame
	err = eachField(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldFrame || typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		f, err := decodeFrame(v)
		if err != nil {
			return 0, err
		}
		frames = append(frames, f)
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	return frames, nil
}

func decodeFrame(b []byte) (pose.TimedFrame, error) {
	f := pose.TimedFrame{Poses: pose.Frame{}}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			f.TimestampMs = protowire.DecodeZigZag(v)
			return n, nil
		case num == fieldPose && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			p, err := decodePose(v)
			if err != nil {
				return 0, err
			}
			f.Poses = append(f.Poses, p)
			return n, nil
		}
		return skip(num, typ, b)
	})
	return f, err
}

func decodePose(b []byte) (pose.Pose, error) {
	var p pose.Pose
	var values []float64
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldValues || typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		for len(v) > 0 {
			x, m := protowire.ConsumeFixed64(v)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			values = append(values, math.Float64frombits(x))
			v = v[m:]
		}
		return n, nil
	})
	if err != nil {
		return p, err
	}
	if len(values) != valuesPerPose {
		return p, fmt.Errorf("pose has %d values, want %d", len(values), valuesPerPose)
	}
	for i := range p {
		p[i] = pose.Landmark{
			X:          values[4*i],
			Y:          values[4*i+1],
			Z:          values[4*i+2],
			Visibility: values[4*i+3],
		}
	}
	return p, nil
}

// eachField walks the top-level fields of a message. fn consumes the
// field value and returns how many bytes it used.
func eachField(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}
