package psexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/hirochachacha/go-smb2"
)

// fileStore moves the per-call stdin/stdout/stderr files through ADMIN$.
type fileStore interface {
	// Check verifies that the credentials can mount ADMIN$.
	Check(ctx context.Context) error
	Put(ctx context.Context, name string, data []byte) error
	// Take reads and deletes the named files. Missing files are absent
	// from the returned map.
	Take(ctx context.Context, names ...string) (map[string][]byte, error)
}

// smbStore talks SMB2 to the host. Every call dials, authenticates,
// mounts ADMIN$ and logs off again; nothing is kept between calls.
type smbStore struct {
	host     string
	user     string
	password string
	domain   string
	timeout  time.Duration
}

// tempDir is the ADMIN$-relative directory for call files. ADMIN$ maps
// to %SystemRoot%, so these live in C:\Windows\Temp.
const tempDir = `Temp`

func (s *smbStore) mount(ctx context.Context) (*smb2.Share, func(), error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(s.host, "445"))
	if err != nil {
		return nil, nil, err
	}

	dialer := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     s.user,
			Password: s.password,
			Domain:   s.domain,
		},
	}
	session, err := dialer.DialContext(dialCtx, conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	share, err := session.Mount(fmt.Sprintf(`\\%s\ADMIN$`, s.host))
	if err != nil {
		_ = session.Logoff()
		return nil, nil, err
	}
	release := func() {
		_ = share.Umount()
		_ = session.Logoff()
	}
	return share, release, nil
}

func (s *smbStore) Check(ctx context.Context) error {
	share, release, err := s.mount(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, err = share.Stat(tempDir)
	return err
}

func (s *smbStore) Put(ctx context.Context, name string, data []byte) error {
	share, release, err := s.mount(ctx)
	if err != nil {
		return err
	}
	defer release()

	f, err := share.Create(tempDir + `\` + name)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *smbStore) Take(ctx context.Context, names ...string) (map[string][]byte, error) {
	share, release, err := s.mount(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	out := make(map[string][]byte, len(names))
	for _, name := range names {
		path := tempDir + `\` + name
		f, err := share.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return out, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return out, err
		}
		out[name] = data
		_ = share.Remove(path)
	}
	return out, nil
}
