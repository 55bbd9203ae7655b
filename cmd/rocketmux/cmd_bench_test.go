package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rocketmux/rocketmux/pacer"
)

func TestBenchPacerSelection(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	p, err := BenchCommand{}.pacer()
	a.NoError(err)
	a.IsType(pacer.Unlimited{}, p)

	p, err = BenchCommand{Freq: 200}.pacer()
	a.NoError(err)
	a.IsType(pacer.Constant{}, p)

	p, err = BenchCommand{RampFrom: 10, RampTo: 110, RampDuration: 10 * time.Second}.pacer()
	a.NoError(err)
	a.IsType(pacer.Ramp{}, p)

	_, err = BenchCommand{RampTo: 50}.pacer()
	a.Error(err)

	_, err = BenchCommand{RampFrom: 50, RampTo: 50, RampDuration: time.Second}.pacer()
	a.Error(err)
}
