package logging

type discard struct{}

// Discard drops every message, Fatalf included. Tests and the CLI use it
// when engine diagnostics are unwanted.
var Discard Logger = discard{}

func (discard) Errorf(string, ...any) {}
func (discard) Warnf(string, ...any)  {}
func (discard) Infof(string, ...any)  {}
func (discard) Debugf(string, ...any) {}
func (discard) Fatalf(string, ...any) {}
