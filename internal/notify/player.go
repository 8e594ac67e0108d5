package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"
)

var errMissingCommand = errors.New("notify: player command is required")

// BellPlayer rings the terminal bell once per cue.
type BellPlayer struct {
	mu  sync.Mutex
	Out io.Writer
}

// Play writes a BEL character.
func (p *BellPlayer) Play(_ Cue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Out == nil {
		return errors.New("notify: bell output is not configured")
	}
	_, err := p.Out.Write([]byte{'\a'})
	return err
}

// CommandPlayer pipes the WAV bytes into an external audio program such as
// "aplay -q -" or "paplay". Play starts the program and returns; the process
// is reaped in the background.
type CommandPlayer struct {
	Command string
	Args    []string

	running sync.WaitGroup
}

// Play starts the command with the cue on stdin. The process is killed if it
// outlives the cue by more than two seconds.
func (p *CommandPlayer) Play(cue Cue) error {
	if p.Command == "" {
		return errMissingCommand
	}
	ctx, cancel := context.WithTimeout(context.Background(), cue.Duration+2*time.Second)
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Stdin = bytes.NewReader(cue.WAV)
	if err := cmd.Start(); err != nil {
		cancel()
		return err
	}
	p.running.Add(1)
	go func() {
		defer p.running.Done()
		defer cancel()
		_ = cmd.Wait()
	}()
	return nil
}

// Wait blocks until every started cue has finished playing.
func (p *CommandPlayer) Wait() {
	p.running.Wait()
}

// NopPlayer discards cues.
type NopPlayer struct{}

// Play does nothing.
func (NopPlayer) Play(Cue) error {
	return nil
}
