package klogging

import "os"

var currentOsProvider OsProvider = &SystemOsProvider{}

// OsProvider lets tests intercept the os.Exit issued by Fatal entries.
type OsProvider interface {
	Exit(code int)
}

func OsExit(code int) {
	currentOsProvider.Exit(code)
}

func SetOsProvider(provider OsProvider) {
	currentOsProvider = provider
}

type SystemOsProvider struct{}

func (provider *SystemOsProvider) Exit(code int) {
	os.Exit(code)
}

type MockOsProvider struct {
	ExitCb func(code int)
}

func (provider *MockOsProvider) Exit(code int) {
	if provider.ExitCb != nil {
		provider.ExitCb(code)
	}
}
