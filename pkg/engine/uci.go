package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const closeTimeout = 2 * time.Second

// UCIEngine represents a UCI-compatible chess engine
type UCIEngine struct {
	cmd *exec.Cmd

	stdinPipe io.WriteCloser
	reader    *bufio.Reader

	mutex sync.Mutex // serializes writes to stdin

	uciok     chan struct{}
	readyok   chan struct{}
	bestMoves chan string

	quit      chan struct{}
	done      chan struct{}
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once

	logger *zap.Logger
}

// NewUCIEngine starts the engine process and completes the uci/isready
// handshake before ctx expires.
func NewUCIEngine(ctx context.Context, enginePath string, logger *zap.Logger) (*UCIEngine, error) {
	cmd := exec.Command(enginePath)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	e := &UCIEngine{
		cmd:       cmd,
		stdinPipe: stdin,
		reader:    bufio.NewReader(stdout),
		uciok:     make(chan struct{}, 1),
		readyok:   make(chan struct{}, 1),
		bestMoves: make(chan string, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger,
	}

	go e.readLoop()

	if err := e.handshake(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}

	logger.Debug("engine ready", zap.String("path", enginePath), zap.Int("pid", cmd.Process.Pid))
	return e, nil
}

func (e *UCIEngine) handshake(ctx context.Context) error {
	if err := e.writeCommand("uci"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := e.await(ctx, e.uciok, "uciok"); err != nil {
		return err
	}

	if err := e.writeCommand("isready"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	return e.await(ctx, e.readyok, "readyok")
}

func (e *UCIEngine) await(ctx context.Context, signal <-chan struct{}, want string) error {
	select {
	case <-signal:
		return nil
	case <-e.done:
		return fmt.Errorf("engine exited before %s: %v", want, e.Err())
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", want, ctx.Err())
	}
}

func (e *UCIEngine) readLoop() {
	defer close(e.done)

	for {
		line, err := e.reader.ReadString('\n')
		if err != nil {
			waitErr := e.cmd.Wait()
			if !errors.Is(err, io.EOF) && waitErr == nil {
				waitErr = err
			}
			e.setErr(waitErr)
			e.logger.Debug("engine closed stdout", zap.Error(waitErr))
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case line == "uciok":
			signal(e.uciok)
		case line == "readyok":
			signal(e.readyok)
		case strings.HasPrefix(line, "bestmove"):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			e.logger.Debug("engine best move", zap.String("move", fields[1]))
			select {
			case e.bestMoves <- fields[1]:
			case <-e.quit:
			}
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Search asks for the best move after moves from the start position. The
// reply arrives on BestMoves.
func (e *UCIEngine) Search(req SearchRequest) error {
	if err := e.writeCommand(positionCommand(req.Moves)); err != nil {
		return fmt.Errorf("send position: %w", err)
	}
	if err := e.writeCommand("go depth " + strconv.Itoa(req.Depth)); err != nil {
		return fmt.Errorf("send go: %w", err)
	}
	return nil
}

func positionCommand(moves []string) string {
	if len(moves) == 0 {
		return "position startpos"
	}
	return "position startpos moves " + strings.Join(moves, " ")
}

// BestMoves delivers one move per completed search
func (e *UCIEngine) BestMoves() <-chan string {
	return e.bestMoves
}

// Done is closed when the process has exited
func (e *UCIEngine) Done() <-chan struct{} {
	return e.done
}

// Err returns the exit error, if any, once Done is closed
func (e *UCIEngine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

func (e *UCIEngine) setErr(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	e.err = err
}

func (e *UCIEngine) writeCommand(cmd string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	_, err := io.WriteString(e.stdinPipe, cmd+"\n")
	return err
}

// Close asks the engine to quit and kills it if it does not exit in time
func (e *UCIEngine) Close() error {
	e.closeOnce.Do(func() {
		close(e.quit)
		_ = e.writeCommand("quit")
		_ = e.stdinPipe.Close()

		select {
		case <-e.done:
		case <-time.After(closeTimeout):
			e.logger.Warn("engine did not quit, killing it")
			_ = e.cmd.Process.Kill()
			<-e.done
		}
	})
	return nil
}
