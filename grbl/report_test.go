package grbl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mastercactapus/grblctl/coord"
)

func TestParseReport(t *testing.T) {
	rep, err := ParseReport(Report{}, "<Idle|MPos:10.000,20.000,5.000|WCO:1.000,2.000,0.500>")
	assert.NoError(t, err)
	assert.Equal(t, "Idle", rep.Status)
	assert.Equal(t, coord.Point{X: 10, Y: 20, Z: 5}, rep.MPos)
	assert.Equal(t, coord.Point{X: 1, Y: 2, Z: 0.5}, rep.WCO)
	assert.Equal(t, coord.Point{X: 9, Y: 18, Z: 4.5}, rep.WPos())
}

func TestParseReport_CarriesWCO(t *testing.T) {
	first, err := ParseReport(Report{}, "<Run|MPos:1.000,1.000,1.000|WCO:0.000,0.000,1.000>")
	assert.NoError(t, err)

	// WCO is only reported intermittently
	second, err := ParseReport(*first, "<Run|MPos:2.000,2.000,2.000>")
	assert.NoError(t, err)
	assert.Equal(t, coord.Point{Z: 1}, second.WCO)
	assert.Equal(t, coord.Point{X: 2, Y: 2, Z: 1}, second.WPos())
}

func TestParseReport_OldStyleWPos(t *testing.T) {
	prev := Report{WCO: coord.Point{X: 1, Y: 1, Z: 1}}
	rep, err := ParseReport(prev, "<Idle|WPos:1.000,2.000,3.000>")
	assert.NoError(t, err)
	assert.Equal(t, coord.Point{X: 2, Y: 3, Z: 4}, rep.MPos)
}

func TestParseReport_Invalid(t *testing.T) {
	_, err := ParseReport(Report{}, "ok")
	assert.Error(t, err)

	_, err = ParseReport(Report{}, "<Idle|MPos:1.000,2.000>")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	kind, fwErr := classify("ok")
	assert.Equal(t, respOK, kind)
	assert.Nil(t, fwErr)

	kind, fwErr = classify("error:22")
	assert.Equal(t, respError, kind)
	assert.Equal(t, 22, fwErr.Code)

	kind, fwErr = classify("error: Unsupported command")
	assert.Equal(t, respError, kind)
	assert.Equal(t, -1, fwErr.Code)
	assert.Equal(t, "Unsupported command", fwErr.Message)

	kind, _ = classify("$10=3")
	assert.Equal(t, respSetting, kind)

	kind, _ = classify("<Idle|MPos:0.000,0.000,0.000>")
	assert.Equal(t, respStatus, kind)

	kind, _ = classify("[MSG:'$H'|'$X' to unlock]")
	assert.Equal(t, respPush, kind)

	kind, _ = classify("Grbl 1.1f ['$' for help]")
	assert.Equal(t, respBanner, kind)

	kind, _ = classify("garbage")
	assert.Equal(t, respUnknown, kind)
}
