package media

// E-model (ITU-T G.107) simplified to the packet-loss impairment term. The
// default transmission rating assumes zero delay impairment, which holds for
// the passive monitoring case where one-way delay is not measured.
const defaultR = 93.2

// RFactor computes the transmission rating for a codec with impairment ie
// and loss robustness bpl at the given loss fraction (0..1). The result is
// clamped to [0, 93.2].
func RFactor(ie, bpl int, fractionLost float64) float64 {
	ppl := fractionLost * 100
	ieEff := float64(ie) + (95-float64(ie))*ppl/(ppl+float64(bpl))
	r := defaultR - ieEff
	if r < 0 {
		return 0
	}
	if r > defaultR {
		return defaultR
	}
	return r
}

// MOS maps an R-factor onto the 1..4.5 mean opinion score scale using the
// standard E-model polynomial.
func MOS(r float64) float64 {
	mos := 1 + 0.035*r + r*(r-60)*(100-r)*7e-6
	if mos < 1 {
		return 1
	}
	if mos > 4.5 {
		return 4.5
	}
	return mos
}
