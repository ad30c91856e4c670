// Package units formats physical quantities with SI prefixes for logs and
// summaries.
package units

import (
	"fmt"
	"math"

	"github.com/cwbudde/scope-lockin/dsp/core"
)

var prefixes = map[int]string{
	-24: "y", -21: "z", -18: "a", -15: "f", -12: "p",
	-9: "n", -6: "µ", -3: "m", 0: "",
	3: "k", 6: "M", 9: "G", 12: "T", 15: "P", 18: "E", 21: "Z", 24: "Y",
}

// FormatSI renders value with the SI prefix that scales it into [1, 1000),
// e.g. FormatSI(0.00234, "V") == "2.340 mV". Prefixes are clamped to the
// yocto..yotta range.
func FormatSI(value float64, unit string) string {
	if math.IsNaN(value) {
		return "NaN " + unit
	}
	if value == 0 {
		return "0 " + unit
	}

	exponent := int(core.Clamp(math.Floor(math.Log10(math.Abs(value))/3)*3, -24, 24))

	scaled := value / math.Pow(10, float64(exponent))
	return fmt.Sprintf("%.3f %s%s", scaled, prefixes[exponent], unit)
}
