package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_WithMethodsDoNotMutate(t *testing.T) {
	inputs := map[string]interface{}{"service": "docker"}
	s0 := State{RunID: "run_1", UserInput: "restart docker"}

	s1 := s0.WithProposal(Proposal{Confidence: 0.7, Actions: []Action{{Tool: "restart_service", Inputs: inputs}}})
	inputs["service"] = "nginx"
	s2 := s1.WithResults([]ActionResult{{Status: StatusExecuted}})
	s3 := s2.WithResponse("done")

	assert.Empty(t, s0.Actions)
	assert.Equal(t, "docker", s1.Actions[0].Inputs["service"])
	assert.Equal(t, 0.7, s1.Actions[0].Confidence)
	assert.Empty(t, s1.Results)
	assert.Empty(t, s2.Response)
	assert.Equal(t, "done", s3.Response)
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		in       string
		intent   string
		entities map[string]string
	}{
		{"Restart docker.service now", "restart_service", map[string]string{"service": "docker.service"}},
		{"please edit /etc/nginx/nginx.conf", "write_config", map[string]string{"path": "/etc/nginx/nginx.conf"}},
		{"what is going on", "unknown", map[string]string{}},
	}
	for _, tt := range tests {
		intent, ents := parseInput(tt.in)
		assert.Equal(t, tt.intent, intent, tt.in)
		assert.Equal(t, tt.entities, ents, tt.in)
	}
}

func TestTargetLocks_Release(t *testing.T) {
	l := newTargetLocks()
	u1 := l.Lock("a")
	u2 := l.Lock("b")
	assert.Equal(t, 2, l.size())
	u1()
	u1()
	u2()
	assert.Zero(t, l.size())
}
