package demux

import (
	"errors"
	"fmt"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// SPSInfo holds the parameters extracted from an H.264 Sequence Parameter
// Set that are worth reporting for a camera stream.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.42E01E").
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

var errSPSTooShort = errors.New("SPS data too short")

type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) readBit() (uint, error) {
	if br.pos >= len(br.data) {
		return 0, errSPSTooShort
	}
	val := uint((br.data[br.pos] >> (7 - br.bit)) & 1)
	br.bit++
	if br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return val, nil
}

func (br *bitReader) readBits(n int) (uint, error) {
	var val uint
	for i := 0; i < n; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		val = (val << 1) | b
	}
	return val, nil
}

func (br *bitReader) readUE() (uint, error) {
	zeros := 0
	for {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errSPSTooShort
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := br.readBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1 << zeros) - 1 + suffix, nil
}

func (br *bitReader) readSE() (int, error) {
	val, err := br.readUE()
	if err != nil {
		return 0, err
	}
	if val%2 == 0 {
		return -int(val / 2), nil
	}
	return int((val + 1) / 2), nil
}

// skipUE discards n consecutive Exp-Golomb values.
func (br *bitReader) skipUE(n int) error {
	for i := 0; i < n; i++ {
		if _, err := br.readUE(); err != nil {
			return err
		}
	}
	return nil
}

func (br *bitReader) skipScalingList(size int) error {
	lastScale := 8
	nextScale := 8
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			delta, err := br.readSE()
			if err != nil {
				return err
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

func hasChromaInfo(profileIdc uint) bool {
	switch profileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS parses an H.264 SPS NAL unit to extract resolution and
// profile/level. The input is the raw NAL data including the header byte
// but without the start code. VUI parameters are not read.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}

	br := newBitReader(removeEmulationPrevention(nalu[1:]))

	profileIdc, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	constraintFlags, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	levelIdc, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	if err := br.skipUE(1); err != nil { // seq_parameter_set_id
		return SPSInfo{}, err
	}

	chromaFormatIdc := uint(1)
	separateColourPlane := false

	if hasChromaInfo(profileIdc) {
		if chromaFormatIdc, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
		if chromaFormatIdc == 3 {
			val, err := br.readBits(1)
			if err != nil {
				return SPSInfo{}, err
			}
			separateColourPlane = val == 1
		}
		if err := br.skipUE(2); err != nil { // bit depths
			return SPSInfo{}, err
		}
		if _, err := br.readBits(1); err != nil { // qpprime_y_zero_transform_bypass
			return SPSInfo{}, err
		}
		present, err := br.readBits(1)
		if err != nil {
			return SPSInfo{}, err
		}
		if present == 1 {
			limit := 8
			if chromaFormatIdc == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				flag, err := br.readBits(1)
				if err != nil {
					return SPSInfo{}, err
				}
				if flag == 0 {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				if err := br.skipScalingList(size); err != nil {
					return SPSInfo{}, err
				}
			}
		}
	}

	if err := br.skipUE(1); err != nil { // log2_max_frame_num_minus4
		return SPSInfo{}, err
	}
	picOrderCntType, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	switch picOrderCntType {
	case 0:
		if err := br.skipUE(1); err != nil {
			return SPSInfo{}, err
		}
	case 1:
		if _, err := br.readBits(1); err != nil {
			return SPSInfo{}, err
		}
		for i := 0; i < 2; i++ {
			if _, err := br.readSE(); err != nil {
				return SPSInfo{}, err
			}
		}
		numRefFrames, err := br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		for i := uint(0); i < numRefFrames; i++ {
			if _, err := br.readSE(); err != nil {
				return SPSInfo{}, err
			}
		}
	}

	if err := br.skipUE(1); err != nil { // max_num_ref_frames
		return SPSInfo{}, err
	}
	if _, err := br.readBits(1); err != nil { // gaps_in_frame_num_value_allowed
		return SPSInfo{}, err
	}

	picWidthMbs, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	picHeightMapUnits, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return SPSInfo{}, err
	}
	if frameMbsOnly == 0 {
		if _, err := br.readBits(1); err != nil {
			return SPSInfo{}, err
		}
	}
	if _, err := br.readBits(1); err != nil { // direct_8x8_inference
		return SPSInfo{}, err
	}

	var crop [4]uint // left, right, top, bottom
	cropping, err := br.readBits(1)
	if err != nil {
		return SPSInfo{}, err
	}
	if cropping == 1 {
		for i := range crop {
			if crop[i], err = br.readUE(); err != nil {
				return SPSInfo{}, err
			}
		}
	}

	chromaArrayType := chromaFormatIdc
	if separateColourPlane {
		chromaArrayType = 0
	}
	subWidthC, subHeightC := uint(2), uint(2)
	switch chromaArrayType {
	case 0, 3:
		subWidthC, subHeightC = 1, 1
	case 2:
		subWidthC, subHeightC = 2, 1
	}

	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	return SPSInfo{
		Width:           int((picWidthMbs+1)*16 - cropUnitX*(crop[0]+crop[1])),
		Height:          int((picHeightMapUnits+1)*16*(2-frameMbsOnly) - cropUnitY*(crop[2]+crop[3])),
		ProfileIDC:      byte(profileIdc),
		ConstraintFlags: byte(constraintFlags),
		LevelIDC:        byte(levelIdc),
	}, nil
}

func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}

// NALUnit is a single H.264 NAL unit.
type NALUnit struct {
	Type byte   // 5-bit nal_unit_type
	Data []byte // raw NAL data including the header byte, without start code
}

// NALType returns the nal_unit_type of raw NAL data (no start code).
func NALType(nal []byte) byte {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1F
}

// ParseAnnexB parses an H.264 Annex B byte stream into individual NAL units.
// It recognizes both 3-byte (0x000001) and 4-byte (0x00000001) start codes.
func ParseAnnexB(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nal := data[pos.dataStart:end]
		units = append(units, NALUnit{Type: NALType(nal), Data: nal})
	}
	return units
}

// SplitNALUnits returns the NAL units carried by a camera payload, which is
// either an Annex B stream or a single bare NAL unit without a start code.
func SplitNALUnits(payload []byte) []NALUnit {
	if len(payload) == 0 {
		return nil
	}
	if hasStartCode(payload) {
		return ParseAnnexB(payload)
	}
	return []NALUnit{{Type: NALType(payload), Data: payload}}
}

func hasStartCode(b []byte) bool {
	if len(b) >= 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1 {
		return true
	}
	return len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1
}

// IsKeyframe returns true if the NAL type is an IDR slice (type 5).
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// IsSPS returns true if the NAL type is SPS (type 7).
func IsSPS(nalType byte) bool {
	return nalType == NALTypeSPS
}

// IsPPS returns true if the NAL type is PPS (type 8).
func IsPPS(nalType byte) bool {
	return nalType == NALTypePPS
}
