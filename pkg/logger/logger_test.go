package logger

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSetLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"info":    logrus.InfoLevel,
		"warn":    logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"verbose": logrus.InfoLevel,
	}
	for in, want := range cases {
		log := NewWithWriter(&bytes.Buffer{})
		log.SetLevel(in)
		assert.Equal(t, want, log.GetLevel(), in)
	}
}

func TestWithObject(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithWriter(&buf)
	log.WithObject("Account").Warn("drift")

	assert.Contains(t, buf.String(), "object=Account")
	assert.Contains(t, buf.String(), "drift")
}
