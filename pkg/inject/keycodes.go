package inject

// Android key codes used by text entry
const (
	KeycodeUnknown      = 0
	KeycodeBack         = 4
	Keycode0            = 7
	KeycodeA            = 29
	KeycodeComma        = 55
	KeycodePeriod       = 56
	KeycodeShiftLeft    = 59
	KeycodeTab          = 61
	KeycodeSpace        = 62
	KeycodeEnter        = 66
	KeycodeDel          = 67
	KeycodeMinus        = 69
	KeycodeEquals       = 70
	KeycodeLeftBracket  = 71
	KeycodeRightBracket = 72
	KeycodeBackslash    = 73
	KeycodeSemicolon    = 74
	KeycodeApostrophe   = 75
	KeycodeSlash        = 76
)

var symbolKeys = map[rune]keyStroke{
	' ':  {KeycodeSpace, false},
	'.':  {KeycodePeriod, false},
	',':  {KeycodeComma, false},
	'-':  {KeycodeMinus, false},
	'=':  {KeycodeEquals, false},
	'[':  {KeycodeLeftBracket, false},
	']':  {KeycodeRightBracket, false},
	'\\': {KeycodeBackslash, false},
	';':  {KeycodeSemicolon, false},
	'\'': {KeycodeApostrophe, false},
	'/':  {KeycodeSlash, false},
	'\n': {KeycodeEnter, false},
	'\t': {KeycodeTab, false},
	'?':  {KeycodeSlash, true},
	'!':  {Keycode0 + 1, true},
	'@':  {Keycode0 + 2, true},
	'#':  {Keycode0 + 3, true},
	'$':  {Keycode0 + 4, true},
	'%':  {Keycode0 + 5, true},
	'^':  {Keycode0 + 6, true},
	'&':  {Keycode0 + 7, true},
	'*':  {Keycode0 + 8, true},
	'(':  {Keycode0 + 9, true},
	')':  {Keycode0, true},
}

type keyStroke struct {
	code  int
	shift bool
}

// KeyForRune maps a character to the key that types it on a US layout.
// ok is false for characters outside the table.
func KeyForRune(r rune) (code int, shift bool, ok bool) {
	switch {
	case r >= 'a' && r <= 'z':
		return KeycodeA + int(r-'a'), false, true
	case r >= 'A' && r <= 'Z':
		return KeycodeA + int(r-'A'), true, true
	case r >= '0' && r <= '9':
		return Keycode0 + int(r-'0'), false, true
	}
	if k, found := symbolKeys[r]; found {
		return k.code, k.shift, true
	}
	return KeycodeUnknown, false, false
}
