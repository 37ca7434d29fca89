// Package config resolves plugin settings into the effective
// configuration a ycmd server launches with.
//
// Settings come in layers: built-in defaults, the user's settings file,
// and per-project overrides. Layers are deep-merged in that order and
// decoded into a typed, immutable Settings value. Resolution is a pure
// function of its inputs; a settings change produces a new Settings and
// triggers a server restart rather than mutating anything in place.
package config
