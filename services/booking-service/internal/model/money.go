package model

// PlatformFeePercent is the platform's cut of every confirmed booking.
const PlatformFeePercent = 10

// SplitFee computes the platform fee and expert earnings for a total, fee
// first with half-up rounding, so fee + earnings always equals total to the
// cent.
func SplitFee(total int64) (fee, earnings int64) {
	fee = (total*PlatformFeePercent + 50) / 100
	return fee, total - fee
}

// PriceFor converts an hourly rate into the total for a duration, rounding
// half-up to the nearest minor unit.
func PriceFor(hourlyRate int64, durationMins int) int64 {
	return (hourlyRate*int64(durationMins) + 30) / 60
}
