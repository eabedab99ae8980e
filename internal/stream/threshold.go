package stream

// Threshold applies policy to a single sample
func Threshold(policy ThresholdPolicy, p, thresh, maxval uint8) uint8 {
	above := p > thresh
	switch policy {
	case ThreshBinary:
		if above {
			return maxval
		}
		return 0
	case ThreshBinaryInv:
		if above {
			return 0
		}
		return maxval
	case ThreshTrunc:
		if above {
			return thresh
		}
		return p
	case ThreshToZero:
		if above {
			return p
		}
		return 0
	case ThreshToZeroInv:
		if above {
			return 0
		}
		return p
	}
	return p
}

// thresholdTable precomputes the 256-entry lookup for one invocation
func thresholdTable(policy ThresholdPolicy, thresh, maxval uint8) *[256]uint8 {
	var lut [256]uint8
	for i := range lut {
		lut[i] = Threshold(policy, uint8(i), thresh, maxval)
	}
	return &lut
}

func thresholdRow(lut *[256]uint8) func([]byte) []byte {
	return func(src []byte) []byte {
		dst := make([]byte, len(src))
		for i, p := range src {
			dst[i] = lut[p]
		}
		return dst
	}
}
