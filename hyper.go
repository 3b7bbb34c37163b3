package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
)

const (
	listTablesSQL = `SELECT c.relname
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = %s AND c.relkind = 'r'
ORDER BY c.relname`

	describeColumnsSQL = `SELECT a.attname, pg_catalog.format_type(a.atttypid, a.atttypmod), a.attnotnull
FROM pg_catalog.pg_attribute a
JOIN pg_catalog.pg_class c ON c.oid = a.attrelid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = %s AND c.relname = %s AND a.attnum > 0 AND NOT a.attisdropped
ORDER BY a.attnum`

	hyperShutdownGrace = 10 * time.Second
)

// Catalog queries run on the simple protocol, so names are sent as literals
// rather than bind parameters.
func listTablesQuery(schema string) string {
	return fmt.Sprintf(listTablesSQL, quoteLiteral(schema))
}

func describeColumnsQuery(table TableName) string {
	return fmt.Sprintf(describeColumnsSQL, quoteLiteral(table.Schema), quoteLiteral(table.Name))
}

// quoteLiteral quotes s as a SQL string constant. Backslashes switch to the E''
// form so the result reads the same whatever standard_conforming_strings says.
func quoteLiteral(s string) string {
	s = strings.ReplaceAll(s, "'", "''")
	if strings.Contains(s, `\`) {
		return "E'" + strings.ReplaceAll(s, `\`, `\\`) + "'"
	}
	return "'" + s + "'"
}

// extractSession is an open connection to the engine serving one extract.
type extractSession interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close(ctx context.Context) error
}

type sessionOpener interface {
	Open(ctx context.Context) (extractSession, error)
}

// hyperEngine opens sessions against one .hyper file, either by spawning hyperd
// or by attaching to an already running endpoint.
type hyperEngine struct {
	cfg      HyperConfig
	database string // absolute path of the .hyper file
	logDir   string
}

func newHyperEngine(cfg HyperConfig, extractPath string) (*hyperEngine, error) {
	abs, err := filepath.Abs(extractPath)
	if err != nil {
		return nil, fmt.Errorf("resolve extract path: %w", err)
	}
	return &hyperEngine{cfg: cfg, database: abs, logDir: filepath.Dir(abs)}, nil
}

// hyperSession is one connection plus, when spawned, the engine process behind it.
type hyperSession struct {
	conn *pgx.Conn
	proc *hyperProcess
}

func (s *hyperSession) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.conn.Query(ctx, sql, args...)
}

func (s *hyperSession) Close(ctx context.Context) error {
	var errs []error
	if s.conn != nil {
		if err := s.conn.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close hyper connection: %w", err))
		}
	}
	if s.proc != nil {
		if err := s.proc.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *hyperEngine) Open(ctx context.Context) (extractSession, error) {
	if _, err := os.Stat(e.database); err != nil {
		return nil, fmt.Errorf("open extract: %w", err)
	}

	s := &hyperSession{}
	addr := e.cfg.Endpoint
	if addr == "" {
		proc, err := startHyperd(ctx, e.cfg, e.logDir)
		if err != nil {
			return nil, err
		}
		s.proc = proc
		addr = proc.addr
	}

	conn, err := connectHyper(ctx, addr, e.cfg.User, e.database)
	if err != nil {
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.Warnf("  %v", cerr)
		}
		return nil, err
	}
	s.conn = conn
	return s, nil
}

// withSession runs fn on a fresh session and always shuts the session down.
func withSession(ctx context.Context, sessions sessionOpener, fn func(s extractSession) error) (err error) {
	s, err := sessions.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				log.Warnf("  %v", cerr)
			}
		}
	}()
	return fn(s)
}

func connectHyper(ctx context.Context, addr, user, database string) (*pgx.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("hyper endpoint %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("hyper endpoint %q: %w", addr, err)
	}

	cc, err := pgx.ParseConfig("sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("hyper connection config: %w", err)
	}
	cc.Host = host
	cc.Port = uint16(port)
	cc.User = user
	cc.Password = ""
	cc.Database = database
	// hyperd understands the simple query protocol; prepared statements are not needed.
	// Queries sent here carry no bind parameters.
	cc.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	conn, err := pgx.ConnectConfig(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("connect hyper at %s: %w", addr, err)
	}
	return conn, nil
}

// hyperProcess is a hyperd child process listening on a loopback port.
type hyperProcess struct {
	cmd    *exec.Cmd
	addr   string
	done   chan error
	output io.Closer
}

func startHyperd(ctx context.Context, cfg HyperConfig, logDir string) (*hyperProcess, error) {
	port, err := freeLoopbackPort()
	if err != nil {
		return nil, fmt.Errorf("pick hyperd port: %w", err)
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	args := hyperdArgs(cfg, addr, logDir)
	cmd := exec.Command(cfg.HyperdPath, args...)
	out := log.StandardLogger().WriterLevel(log.DebugLevel)
	cmd.Stdout = out
	cmd.Stderr = out

	log.Debugf("    starting %s %v", cfg.HyperdPath, args)
	if err := cmd.Start(); err != nil {
		out.Close()
		return nil, fmt.Errorf("start hyperd: %w", err)
	}

	p := &hyperProcess{cmd: cmd, addr: addr, done: make(chan error, 1), output: out}
	go func() { p.done <- cmd.Wait() }()

	if err := p.waitReady(ctx, cfg.StartupTimeout); err != nil {
		if serr := p.stop(); serr != nil {
			log.Warnf("  %v", serr)
		}
		return nil, err
	}
	return p, nil
}

func hyperdArgs(cfg HyperConfig, addr, logDir string) []string {
	args := []string{
		"run",
		"--init-user=" + cfg.User,
		"--listen-connection=tab.tcp://" + addr,
		"--no-password",
		"--skip-license",
		"--log-dir=" + logDir,
	}
	return append(args, cfg.ExtraArgs...)
}

// waitReady polls the listen address until it accepts connections, the process
// exits, or timeout elapses.
func (p *hyperProcess) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case err := <-p.done:
			p.done <- err
			return fmt.Errorf("hyperd exited during startup: %v", err)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c, err := net.DialTimeout("tcp", p.addr, 500*time.Millisecond)
		if err == nil {
			c.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("hyperd not ready on %s after %s: %w", p.addr, timeout, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// stop interrupts hyperd and kills it if it has not exited within the grace period.
func (p *hyperProcess) stop() error {
	defer p.output.Close()

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(hyperShutdownGrace):
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill hyperd: %w", err)
		}
		<-p.done
		return nil
	}
}

func freeLoopbackPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// hyperExtract implements extractReader, opening one session per call.
type hyperExtract struct {
	sessions sessionOpener
	schema   string
	mapping  map[string]string
}

func newHyperExtract(sessions sessionOpener, schema string, mapping map[string]string) *hyperExtract {
	return &hyperExtract{sessions: sessions, schema: schema, mapping: mapping}
}

func (h *hyperExtract) ListTables(ctx context.Context) ([]TableName, error) {
	var tables []TableName
	err := withSession(ctx, h.sessions, func(s extractSession) error {
		rows, err := s.Query(ctx, listTablesQuery(h.schema))
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		names, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		for _, n := range names {
			tables = append(tables, TableName{Schema: h.schema, Name: n})
		}
		return nil
	})
	return tables, err
}

func (h *hyperExtract) DescribeColumns(ctx context.Context, table TableName) ([]ColumnDescriptor, error) {
	var raw []rawColumn
	err := withSession(ctx, h.sessions, func(s extractSession) error {
		rows, err := s.Query(ctx, describeColumnsQuery(table))
		if err != nil {
			return fmt.Errorf("describe %s: %w", table, err)
		}
		raw, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (rawColumn, error) {
			var c rawColumn
			err := row.Scan(&c.Name, &c.Type, &c.NotNull)
			return c, err
		})
		if err != nil {
			return fmt.Errorf("describe %s: %w", table, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("describe %s: no columns", table)
	}
	return resolveColumns(raw, h.mapping), nil
}

func (h *hyperExtract) ReadAllRows(ctx context.Context, table TableName) ([][]any, error) {
	var out [][]any
	err := withSession(ctx, h.sessions, func(s extractSession) error {
		rows, err := s.Query(ctx, "SELECT * FROM "+table.String())
		if err != nil {
			return fmt.Errorf("read %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return fmt.Errorf("read %s row %d: %w", table, len(out)+1, err)
			}
			out = append(out, vals)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("read %s: %w", table, err)
		}
		return nil
	})
	return out, err
}
