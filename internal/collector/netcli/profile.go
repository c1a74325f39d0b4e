// Package netcli implements the structured-cli collector: interactive SSH
// shells against network operating systems, with configuration mode support
// and tabular output parsing.
package netcli

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"netcollect/internal/apperr"
)

// DefaultDeviceType is used when a connect request names no device type.
const DefaultDeviceType = "cisco_ios"

// Profile describes how to drive one family of device shells.
type Profile struct {
	Name          string
	DisablePaging string
	Enable        string
	EnterConfig   string
	ExitConfig    string
	Prompt        *regexp.Regexp
}

var (
	genericPrompt = regexp.MustCompile(`^\S{1,80}[>#]$`)
	shellPrompt   = regexp.MustCompile(`^\S{1,80}[$#%>]$`)
	passwordLine  = regexp.MustCompile(`(?i)password:\s*$`)
)

var profiles = map[string]Profile{
	"cisco_ios": {
		DisablePaging: "terminal length 0",
		Enable:        "enable",
		EnterConfig:   "configure terminal",
		ExitConfig:    "end",
		Prompt:        genericPrompt,
	},
	"cisco_xe": {
		DisablePaging: "terminal length 0",
		Enable:        "enable",
		EnterConfig:   "configure terminal",
		ExitConfig:    "end",
		Prompt:        genericPrompt,
	},
	"cisco_nxos": {
		DisablePaging: "terminal length 0",
		EnterConfig:   "configure terminal",
		ExitConfig:    "end",
		Prompt:        genericPrompt,
	},
	"cisco_xr": {
		DisablePaging: "terminal length 0",
		EnterConfig:   "configure terminal",
		ExitConfig:    "end",
		Prompt:        genericPrompt,
	},
	"arista_eos": {
		DisablePaging: "terminal length 0",
		Enable:        "enable",
		EnterConfig:   "configure terminal",
		ExitConfig:    "end",
		Prompt:        genericPrompt,
	},
	"juniper_junos": {
		DisablePaging: "set cli screen-length 0",
		EnterConfig:   "configure",
		ExitConfig:    "exit configuration-mode",
		Prompt:        regexp.MustCompile(`^\S{1,80}[>#%]$`),
	},
	"huawei": {
		DisablePaging: "screen-length 0 temporary",
		EnterConfig:   "system-view",
		ExitConfig:    "return",
		Prompt:        regexp.MustCompile(`^[<\[]\S{1,80}[>\]]$`),
	},
	"linux": {
		Prompt: shellPrompt,
	},
}

// LookupProfile returns the profile for deviceType.
func LookupProfile(deviceType string) (Profile, error) {
	if deviceType == "" {
		deviceType = DefaultDeviceType
	}
	p, ok := profiles[strings.ToLower(deviceType)]
	if !ok {
		return Profile{}, apperr.Validation("device_type",
			fmt.Sprintf("unsupported device_type %q (supported: %s)", deviceType, strings.Join(DeviceTypes(), ", ")))
	}
	p.Name = strings.ToLower(deviceType)
	return p, nil
}

// DeviceTypes lists the supported device types in sorted order.
func DeviceTypes() []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p Profile) isPrompt(line string) bool {
	return p.Prompt.MatchString(strings.TrimSpace(line))
}

// basePrompt strips the mode terminator and any (config...) suffix.
func basePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ""
	}
	prompt = strings.TrimLeft(prompt, "<[")
	prompt = prompt[:len(prompt)-1]
	if i := strings.Index(prompt, "("); i > 0 {
		prompt = prompt[:i]
	}
	return prompt
}
