package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionSubjects(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "gate.session.123456.START", sessionSubject("123456", RoleStart))
	assert.Equal(t, "gate.session.123456.FINISH", sessionSubject("123456", RoleFinish))

	// The two roles of one session never share a subject.
	assert.NotEqual(t,
		sessionSubject("123456", RoleStart),
		sessionSubject("123456", RoleStart.Other()))
}
