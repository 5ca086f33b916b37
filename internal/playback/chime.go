package playback

import _ "embed"

// StartupChime is the short confirmation sound played when a session starts.
//
//go:embed startup.mp3
var StartupChime []byte
