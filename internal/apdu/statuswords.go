package apdu

import "strings"

// statusWords maps common SW1SW2 pairs (uppercase hex) to a short
// human-readable label.
var statusWords = map[string]string{
	"9000": "Success",
	"6100": "More data available",
	"6283": "Selected file invalidated",
	"6300": "Verification failed",
	"6400": "Execution error",
	"6581": "Memory failure",
	"6700": "Wrong length",
	"6881": "Logical channel not supported",
	"6882": "Secure messaging not supported",
	"6883": "Last command expected",
	"6884": "Command chaining not supported",
	"6982": "Security status not satisfied",
	"6983": "Authentication blocked",
	"6984": "Reference data invalidated",
	"6985": "Conditions of use not satisfied",
	"6986": "Command not allowed",
	"6A80": "Incorrect parameters in data field",
	"6A81": "Function not supported",
	"6A82": "File not found",
	"6A83": "Record not found",
	"6A84": "Not enough memory",
	"6A86": "Incorrect P1P2",
	"6A87": "LC inconsistent with P1P2",
	"6A88": "Referenced data not found",
	"6B00": "Wrong P1P2",
	"6D00": "INS not supported",
	"6E00": "CLA not supported",
	"6F00": "Unknown error",
}

// Describe returns a short human-readable label for sw. Exact matches are
// looked up first; failing that, the 61XX and 6CXX prefix families are
// recognized. An unrecognized status word returns its hex form labeled
// "unknown".
func Describe(sw SW) string {
	key := sw.Hex()
	key = strings.ToUpper(key)
	if label, ok := statusWords[key]; ok {
		return label
	}
	switch sw.SW1 {
	case 0x61:
		return "More data available (61XX)"
	case 0x6C:
		return "Wrong Le, reissue with correct length (6CXX)"
	}
	return key + " (unknown)"
}
