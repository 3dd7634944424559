package prayer

import "strings"

// Kind is one of the six daily events, ordered through the day.
type Kind int

const (
	Fajr Kind = iota
	Sunrise
	Dhuhr
	Asr
	Maghrib
	Isha
)

const NumKinds = 6

var kindNames = [NumKinds]string{"Fajr", "Sunrise", "Dhuhr", "Asr", "Maghrib", "Isha"}

// Kinds lists every kind in day order.
func Kinds() []Kind {
	return []Kind{Fajr, Sunrise, Dhuhr, Asr, Maghrib, Isha}
}

func (k Kind) Valid() bool { return k >= Fajr && k <= Isha }

func (k Kind) String() string {
	if !k.Valid() {
		return "Unknown"
	}
	return kindNames[k]
}

// ParseKind matches a kind name case-insensitively.
func ParseKind(s string) (Kind, bool) {
	s = strings.TrimSpace(s)
	for i, n := range kindNames {
		if strings.EqualFold(n, s) {
			return Kind(i), true
		}
	}
	return 0, false
}

// KindNames returns the display names in day order.
func KindNames() []string {
	return append([]string(nil), kindNames[:]...)
}
