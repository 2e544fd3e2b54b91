package sf45

import "encoding/binary"

const (
	frameDataOffset = 4
	fieldSize       = 2

	// MinFrameSize is the length of a distance frame carrying every field.
	MinFrameSize = frameDataOffset + 9*fieldSize
)

// DecodePointSample decodes a distance frame carrying every output field.
// frame is the response packet without its CRC; field data begins at offset 4.
//
//	4 first raw     6 first filtered  8 first strength
//	10 last raw    12 last filtered  14 last strength
//	16 noise       18 temperature    20 yaw angle (signed)
//
// Temperature and angle are in hundredths.
func DecodePointSample(frame []byte) (PointSample, error) {
	if len(frame) < MinFrameSize {
		return PointSample{}, &DecodeError{Len: len(frame), Need: MinFrameSize}
	}
	u16 := func(off int) uint16 { return binary.LittleEndian.Uint16(frame[off:]) }
	return PointSample{
		FirstDistRaw:      u16(4),
		FirstDistFiltered: u16(6),
		FirstStrength:     u16(8),
		LastDistRaw:       u16(10),
		LastDistFiltered:  u16(12),
		LastStrength:      u16(14),
		Noise:             int(u16(16)),
		Temperature:       float64(u16(18)) / 100,
		Angle:             float64(int16(u16(20))) / 100,
		Fields:            OutputFieldsAll,
	}, nil
}

// DecodeFields decodes a frame produced with the given output bitmap. The
// firmware packs enabled fields in bit order, two bytes each, so with every
// bit set this is DecodePointSample.
func DecodeFields(frame []byte, fields OutputFields) (PointSample, error) {
	if !fields.Valid() {
		return PointSample{}, &DecodeError{Reason: "output field bitmap " + fields.String() + " has undefined bits"}
	}
	if fields == 0 {
		return PointSample{}, &DecodeError{Reason: "no output fields enabled"}
	}
	if fields == OutputFieldsAll {
		return DecodePointSample(frame)
	}
	need := frameDataOffset + fields.Count()*fieldSize
	if len(frame) < need {
		return PointSample{}, &DecodeError{Len: len(frame), Need: need}
	}

	s := PointSample{Fields: fields}
	off := frameDataOffset
	for _, fn := range fieldNames {
		if !fields.Has(fn.field) {
			continue
		}
		v := binary.LittleEndian.Uint16(frame[off:])
		off += fieldSize
		switch fn.field {
		case FieldFirstRaw:
			s.FirstDistRaw = v
		case FieldFirstFiltered:
			s.FirstDistFiltered = v
		case FieldFirstStrength:
			s.FirstStrength = v
		case FieldLastRaw:
			s.LastDistRaw = v
		case FieldLastFiltered:
			s.LastDistFiltered = v
		case FieldLastStrength:
			s.LastStrength = v
		case FieldNoise:
			s.Noise = int(v)
		case FieldTemperature:
			s.Temperature = float64(v) / 100
		case FieldAngle:
			s.Angle = float64(int16(v)) / 100
		}
	}
	return s, nil
}

// EncodePointSample is the inverse of DecodePointSample: it lays the sample out
// as a full distance frame body with a zeroed four byte header. Used by the
// emulator and tests.
func EncodePointSample(header []byte, s PointSample) []byte {
	frame := make([]byte, MinFrameSize)
	copy(frame, header)
	put := func(off int, v uint16) { binary.LittleEndian.PutUint16(frame[off:], v) }
	put(4, s.FirstDistRaw)
	put(6, s.FirstDistFiltered)
	put(8, s.FirstStrength)
	put(10, s.LastDistRaw)
	put(12, s.LastDistFiltered)
	put(14, s.LastStrength)
	put(16, uint16(s.Noise))
	put(18, uint16(roundHundredths(s.Temperature)))
	put(20, uint16(int16(roundHundredths(s.Angle))))
	return frame
}

func roundHundredths(v float64) int64 {
	if v < 0 {
		return int64(v*100 - 0.5)
	}
	return int64(v*100 + 0.5)
}

// EncodeFields is the inverse of DecodeFields. Fields outside the bitmap are
// not emitted. An invalid or empty bitmap yields a bare header.
func EncodeFields(header []byte, s PointSample, fields OutputFields) []byte {
	if fields == OutputFieldsAll {
		return EncodePointSample(header, s)
	}
	frame := make([]byte, frameDataOffset, frameDataOffset+fields.Count()*fieldSize)
	copy(frame, header)
	if !fields.Valid() {
		return frame
	}
	for _, fn := range fieldNames {
		if !fields.Has(fn.field) {
			continue
		}
		var v uint16
		switch fn.field {
		case FieldFirstRaw:
			v = s.FirstDistRaw
		case FieldFirstFiltered:
			v = s.FirstDistFiltered
		case FieldFirstStrength:
			v = s.FirstStrength
		case FieldLastRaw:
			v = s.LastDistRaw
		case FieldLastFiltered:
			v = s.LastDistFiltered
		case FieldLastStrength:
			v = s.LastStrength
		case FieldNoise:
			v = uint16(s.Noise)
		case FieldTemperature:
			v = uint16(roundHundredths(s.Temperature))
		case FieldAngle:
			v = uint16(int16(roundHundredths(s.Angle)))
		}
		frame = binary.LittleEndian.AppendUint16(frame, v)
	}
	return frame
}
