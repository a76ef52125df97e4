package grbl

import (
	"strconv"
	"strings"
)

type respKind int

const (
	respUnknown respKind = iota
	respOK
	respError
	respSetting
	respStatus
	respPush
	respBanner
)

// FirmwareError is an error(code) terminal response the firmware reported
// for a single queued line.
type FirmwareError struct {
	Code    int
	Message string
}

func (e *FirmwareError) Error() string {
	if e.Code >= 0 {
		return "firmware error " + strconv.Itoa(e.Code)
	}
	return "firmware error: " + e.Message
}

// classify sorts a response line into the protocol's response classes.
// Only respOK and respError are terminal: they retire exactly one queued
// line each.
func classify(line string) (respKind, *FirmwareError) {
	switch {
	case line == "ok":
		return respOK, nil
	case strings.HasPrefix(line, "error"):
		msg := strings.TrimLeft(strings.TrimPrefix(line, "error"), ": ")
		code, err := strconv.Atoi(msg)
		if err != nil {
			// pre-1.1 firmware reports a message, not a code
			return respError, &FirmwareError{Code: -1, Message: msg}
		}
		return respError, &FirmwareError{Code: code, Message: msg}
	case strings.HasPrefix(line, "$"):
		return respSetting, nil
	case strings.HasPrefix(line, "<"):
		return respStatus, nil
	case strings.HasPrefix(line, "["):
		return respPush, nil
	case strings.HasPrefix(line, "Grbl"):
		return respBanner, nil
	}
	return respUnknown, nil
}
