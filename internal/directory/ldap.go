package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultLDAPTimeout = 5 * time.Second

const tracerName = "idsync.org/internal/directory"

// LDAPConfig locates the server and the service account used for searches and writes.
type LDAPConfig struct {
	URL          string
	BindDN       string
	BindPassword string
	Timeout      time.Duration

	// TracerProvider records ldap.* spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
}

// LDAPConn implements Conn over go-ldap. Every call dials its own connection
// so no protocol state is shared between requests.
type LDAPConn struct {
	cfg    LDAPConfig
	tracer trace.Tracer
}

var _ Conn = (*LDAPConn)(nil)

// NewLDAPConn validates cfg and returns a Conn.
func NewLDAPConn(cfg LDAPConfig) (*LDAPConn, error) {
	if cfg.URL == "" {
		return nil, errors.New("directory: ldap url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultLDAPTimeout
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &LDAPConn{cfg: cfg, tracer: tp.Tracer(tracerName)}, nil
}

func (c *LDAPConn) dial(ctx context.Context) (*ldap.Conn, error) {
	timeout := c.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, context.DeadlineExceeded)
	}
	conn, err := ldap.DialURL(c.cfg.URL, ldap.DialWithDialer(&net.Dialer{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	conn.SetTimeout(timeout)
	return conn, nil
}

func (c *LDAPConn) adminSession(ctx context.Context) (*ldap.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if c.cfg.BindDN != "" {
		if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("directory: service bind: %w", classify(err))
		}
	}
	return conn, nil
}

// Bind authenticates dn with password on a fresh connection.
func (c *LDAPConn) Bind(ctx context.Context, dn, password string) (err error) {
	_, span := c.tracer.Start(ctx, "ldap.bind", trace.WithAttributes(attribute.String("ldap.dn", dn)))
	defer func() { endSpan(span, err) }()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return classify(conn.Bind(dn, password))
}

// Search runs a subtree search below base.
func (c *LDAPConn) Search(ctx context.Context, base, filter string, attrs []string) (entries []Entry, err error) {
	_, span := c.tracer.Start(ctx, "ldap.search", trace.WithAttributes(
		attribute.String("ldap.base", base),
		attribute.String("ldap.filter", filter),
	))
	defer func() { endSpan(span, err) }()

	conn, err := c.adminSession(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := ldap.NewSearchRequest(
		base, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, int(c.cfg.Timeout/time.Second), false,
		filter, attrs, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, classify(err)
	}
	entries = make([]Entry, 0, len(res.Entries))
	for _, e := range res.Entries {
		attrMap := make(map[string][]string, len(e.Attributes))
		for _, a := range e.Attributes {
			attrMap[a.Name] = a.Values
		}
		entries = append(entries, Entry{DN: e.DN, Attributes: attrMap})
	}
	return entries, nil
}

// Add creates an entry.
func (c *LDAPConn) Add(ctx context.Context, dn string, objectClasses []string, attrs map[string][]string) (err error) {
	_, span := c.tracer.Start(ctx, "ldap.add", trace.WithAttributes(attribute.String("ldap.dn", dn)))
	defer func() { endSpan(span, err) }()

	conn, err := c.adminSession(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := ldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", objectClasses)
	for _, name := range sortedKeys(attrs) {
		req.Attribute(name, attrs[name])
	}
	return classify(conn.Add(req))
}

// Modify replaces the given attributes on dn.
func (c *LDAPConn) Modify(ctx context.Context, dn string, replace map[string][]string) (err error) {
	_, span := c.tracer.Start(ctx, "ldap.modify", trace.WithAttributes(attribute.String("ldap.dn", dn)))
	defer func() { endSpan(span, err) }()

	conn, err := c.adminSession(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := ldap.NewModifyRequest(dn, nil)
	for _, name := range sortedKeys(replace) {
		req.Replace(name, replace[name])
	}
	return classify(conn.Modify(req))
}

// Delete removes dn.
func (c *LDAPConn) Delete(ctx context.Context, dn string) (err error) {
	_, span := c.tracer.Start(ctx, "ldap.delete", trace.WithAttributes(attribute.String("ldap.dn", dn)))
	defer func() { endSpan(span, err) }()

	conn, err := c.adminSession(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return classify(conn.Del(ldap.NewDelRequest(dn, nil)))
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnavailable):
		return err
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials):
		return ErrInvalidCredentials
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject):
		return ErrNoSuchUser
	case ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists):
		return ErrAlreadyExists
	case ldap.IsErrorWithCode(err, ldap.ErrorNetwork),
		ldap.IsErrorWithCode(err, ldap.LDAPResultBusy),
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable),
		ldap.IsErrorWithCode(err, ldap.LDAPResultTimeLimitExceeded):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return fmt.Errorf("directory: %w", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
