package app

// Key binding constants used in handleKey.
const (
	KeyQuit       = "ctrl+c"
	KeyRecord     = " "
	KeyEnter      = "enter"
	KeyEsc        = "esc"
	KeyBackspace  = "backspace"
	KeyUp         = "up"
	KeyDown       = "down"
	KeyCorrect    = "ctrl+r"
	KeyToggleMode = "ctrl+t"
	KeyEvaluate   = "ctrl+e"
	KeyComplete   = "ctrl+d"
	KeyAbandon    = "ctrl+x"
)
