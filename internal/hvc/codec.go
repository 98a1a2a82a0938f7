// Package hvc speaks the command/response protocol of the HVC-P2 class
// sensing camera over a byte transport.
package hvc

import (
	"encoding/binary"
	"fmt"

	"github.com/banshee-data/presence.report/internal/sensing"
)

const syncCode = 0xFE

// Command numbers.
const (
	CmdGetVersion     byte = 0x00
	CmdSetCameraAngle byte = 0x01
	CmdGetCameraAngle byte = 0x02
	CmdExecute        byte = 0x04
	CmdSetThreshold   byte = 0x05
	CmdGetThreshold   byte = 0x06
	CmdSetSizeRange   byte = 0x07
	CmdGetSizeRange   byte = 0x08
	CmdSetFaceAngle   byte = 0x09
	CmdGetFaceAngle   byte = 0x0A
)

const (
	commandHeaderSize  = 4 // sync, command, length u16
	responseHeaderSize = 6 // sync, status, length u32

	detectionRecordSize  = 8
	directionRecordSize  = 8
	ageRecordSize        = 3
	genderRecordSize     = 3
	gazeRecordSize       = 2
	blinkRecordSize      = 4
	expressionRecordSize = 6
	recognitionSize      = 4

	// maxResponseSize bounds what a header may announce: counts, the full
	// entity capacity and a QVGA image, with slack.
	maxResponseSize = 4 + 2*sensing.Capacity*detectionRecordSize +
		sensing.Capacity*(detectionRecordSize+directionRecordSize+ageRecordSize+genderRecordSize+
			gazeRecordSize+blinkRecordSize+expressionRecordSize+recognitionSize) +
		4 + 320*240 + 1024
)

// featureRecognition is executed by some firmware and skipped here.
const featureRecognition sensing.Feature = 0x200

// EncodeCommand frames a command for the wire.
func EncodeCommand(cmd byte, payload []byte) []byte {
	buf := make([]byte, commandHeaderSize+len(payload))
	buf[0] = syncCode
	buf[1] = cmd
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[commandHeaderSize:], payload)
	return buf
}

// DecodeCommand is the device-side inverse of EncodeCommand.
func DecodeCommand(frame []byte) (cmd byte, payload []byte, err error) {
	if len(frame) < commandHeaderSize || frame[0] != syncCode {
		return 0, nil, fmt.Errorf("invalid command frame % X", frame)
	}
	n := int(binary.LittleEndian.Uint16(frame[2:4]))
	if len(frame) < commandHeaderSize+n {
		return 0, nil, fmt.Errorf("short command frame: want %d payload bytes, have %d", n, len(frame)-commandHeaderSize)
	}
	return frame[1], frame[commandHeaderSize : commandHeaderSize+n], nil
}

// EncodeResponse frames a device response.
func EncodeResponse(status byte, payload []byte) []byte {
	buf := make([]byte, responseHeaderSize+len(payload))
	buf[0] = syncCode
	buf[1] = status
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[responseHeaderSize:], payload)
	return buf
}

func decodeResponseHeader(h []byte) (status byte, length int, err error) {
	if len(h) != responseHeaderSize || h[0] != syncCode {
		return 0, 0, fmt.Errorf("bad sync % X", h)
	}
	length = int(binary.LittleEndian.Uint32(h[2:6]))
	if length > maxResponseSize {
		return 0, 0, fmt.Errorf("announced length %d exceeds %d", length, maxResponseSize)
	}
	return h[1], length, nil
}

func executePayload(features sensing.Feature, mode sensing.ImageMode) []byte {
	p := make([]byte, 3)
	binary.LittleEndian.PutUint16(p[0:2], uint16(features))
	p[2] = byte(mode)
	return p
}

// reader walks a response payload. Reads past the end set err and return
// zero values so decoders can check once at the end.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.err = fmt.Errorf("payload truncated at offset %d (need %d of %d)", r.off, n, len(r.b))
		return nil
	}
	s := r.b[r.off : r.off+n]
	r.off += n
	return s
}

func (r *reader) u8() int {
	if s := r.take(1); s != nil {
		return int(s[0])
	}
	return 0
}

func (r *reader) i8() int {
	if s := r.take(1); s != nil {
		return int(int8(s[0]))
	}
	return 0
}

func (r *reader) i16() int {
	if s := r.take(2); s != nil {
		return int(int16(binary.LittleEndian.Uint16(s)))
	}
	return 0
}

func (r *reader) detection() sensing.RawDetection {
	return sensing.RawDetection{X: r.i16(), Y: r.i16(), Size: r.i16(), Confidence: r.i16()}
}

// DecodeExecute parses an execute response payload. requested is the mask
// that was sent; the device reports only what it ran, but the record layout
// follows the request.
func DecodeExecute(payload []byte, requested sensing.Feature, mode sensing.ImageMode) (*sensing.RawFrameResult, error) {
	r := &reader{b: payload}
	raw := &sensing.RawFrameResult{Executed: requested}
	raw.BodyCount = r.u8()
	raw.HandCount = r.u8()
	raw.FaceCount = r.u8()
	r.take(1) // reserved

	for i := 0; i < raw.BodyCount; i++ {
		d := r.detection()
		if i < sensing.Capacity {
			raw.Bodies[i] = d
		}
	}
	for i := 0; i < raw.HandCount; i++ {
		d := r.detection()
		if i < sensing.Capacity {
			raw.Hands[i] = d
		}
	}
	for i := 0; i < raw.FaceCount; i++ {
		var f sensing.RawFace
		if requested.Has(sensing.FeatureFace) {
			f.Detection = r.detection()
		}
		if requested.Has(sensing.FeatureDirection) {
			f.Direction = sensing.RawDirection{LR: r.i16(), UD: r.i16(), Roll: r.i16(), Confidence: r.i16()}
		}
		if requested.Has(sensing.FeatureAge) {
			f.Age = sensing.RawAge{Age: r.i8(), Confidence: r.i16()}
		}
		if requested.Has(sensing.FeatureGender) {
			f.Gender = sensing.RawGender{Gender: r.i8(), Confidence: r.i16()}
		}
		if requested.Has(sensing.FeatureGaze) {
			f.Gaze = sensing.RawGaze{LR: r.i8(), UD: r.i8()}
		}
		if requested.Has(sensing.FeatureBlink) {
			f.Blink = sensing.RawBlink{Left: r.i16(), Right: r.i16()}
		}
		if requested.Has(sensing.FeatureExpression) {
			var e sensing.RawExpression
			for k := range e.Scores {
				e.Scores[k] = r.i8()
			}
			e.Degree = r.i8()
			e.Top = topExpression(e.Scores)
			f.Expression = e
		}
		if requested&featureRecognition != 0 {
			r.take(recognitionSize)
		}
		if i < sensing.Capacity {
			raw.Faces[i] = f
		}
	}

	if mode != sensing.ImageNone {
		w, h := r.i16(), r.i16()
		if w > 0 && h > 0 {
			px := r.take(w * h)
			if px != nil {
				raw.Image = sensing.RawImage{Width: w, Height: h, Pixels: append([]byte(nil), px...)}
			}
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return raw, nil
}

// topExpression returns the 1-based index of the highest score, the first
// one on ties.
func topExpression(scores [sensing.ExpressionScoreCount]int) int {
	best := 0
	for k := 1; k < len(scores); k++ {
		if scores[k] > scores[best] {
			best = k
		}
	}
	return best + 1
}

// EncodeExecute is the device-side inverse of DecodeExecute. Counts above
// Capacity are written as declared but only Capacity records follow.
func EncodeExecute(raw *sensing.RawFrameResult, requested sensing.Feature, mode sensing.ImageMode) []byte {
	nb, nh, nf := raw.Counts()
	out := []byte{byte(nb), byte(nh), byte(nf), 0}
	put16 := func(v int) { out = binary.LittleEndian.AppendUint16(out, uint16(int16(v))) }
	put8 := func(v int) { out = append(out, byte(int8(v))) }
	det := func(d sensing.RawDetection) {
		put16(d.X)
		put16(d.Y)
		put16(d.Size)
		put16(d.Confidence)
	}

	for i := 0; i < nb; i++ {
		det(raw.Bodies[i])
	}
	for i := 0; i < nh; i++ {
		det(raw.Hands[i])
	}
	for i := 0; i < nf; i++ {
		f := raw.Faces[i]
		if requested.Has(sensing.FeatureFace) {
			det(f.Detection)
		}
		if requested.Has(sensing.FeatureDirection) {
			put16(f.Direction.LR)
			put16(f.Direction.UD)
			put16(f.Direction.Roll)
			put16(f.Direction.Confidence)
		}
		if requested.Has(sensing.FeatureAge) {
			put8(f.Age.Age)
			put16(f.Age.Confidence)
		}
		if requested.Has(sensing.FeatureGender) {
			put8(f.Gender.Gender)
			put16(f.Gender.Confidence)
		}
		if requested.Has(sensing.FeatureGaze) {
			put8(f.Gaze.LR)
			put8(f.Gaze.UD)
		}
		if requested.Has(sensing.FeatureBlink) {
			put16(f.Blink.Left)
			put16(f.Blink.Right)
		}
		if requested.Has(sensing.FeatureExpression) {
			for _, s := range f.Expression.Scores {
				put8(s)
			}
			put8(f.Expression.Degree)
		}
	}
	if mode != sensing.ImageNone {
		put16(raw.Image.Width)
		put16(raw.Image.Height)
		out = append(out, raw.Image.Pixels...)
	}
	return out
}
