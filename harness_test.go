// Copyright 2012 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || plan9

package sshmux

// Functional test harness: spawns a real sshd and ssh -N ControlMaster
// pair so the protocol driver can be exercised against an actual mux
// socket, the same way the teacher's test_unix_test.go did.

import (
	"bytes"
	"log"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"testing"
	"text/template"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/testdata"
)

var sshConfigs = map[string]string{
	"sshd_config": `
Protocol 2
HostKey {{.Dir}}/id_rsa
HostKey {{.Dir}}/id_dsa
HostKey {{.Dir}}/id_ecdsa
HostCertificate {{.Dir}}/id_rsa-cert.pub
Pidfile {{.Dir}}/sshd.pid
SyslogFacility AUTH
LoginGraceTime 120
PermitRootLogin no
StrictModes no
PubkeyAuthentication yes
AuthorizedKeysFile	{{.Dir}}/authorized_keys
TrustedUserCAKeys {{.Dir}}/id_ecdsa.pub
IgnoreRhosts yes
HostbasedAuthentication no
PubkeyAcceptedKeyTypes=*
`,
	"ssh_config": `
ProxyCommand -
ControlMaster yes
ControlPath {{.Dir}}/ctrl.sock
IdentityFile {{.Dir}}/id_rsa
UpdateHostKeys no
UserKnownHostsFile {{.Dir}}/known_hosts
BatchMode yes
`,
}

type muxServer struct {
	t        *testing.T
	cleanup  func()
	testdir  string
	sshdCmd  *exec.Cmd
	sshCmd   *exec.Cmd
	output   bytes.Buffer
	ctrlSock string
}

func username() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	log.Printf("user.Current failed; falling back on $USER")
	u := os.Getenv("USER")
	if u == "" {
		panic("unable to determine username for test harness")
	}
	return u
}

// start brings up the sshd/ssh pair and returns the control socket path.
func (s *muxServer) start() string {
	sshd, err := exec.LookPath("sshd")
	if err != nil {
		s.t.Skipf("skipping test: %v", err)
	}
	sshBin, err := exec.LookPath("ssh")
	if err != nil {
		s.t.Skipf("skipping test: %v", err)
	}

	s.sshdCmd = exec.Command(sshd, "-f", s.testdir+"/sshd_config", "-i", "-e")
	s.sshCmd = exec.Command(sshBin, "-F", s.testdir+"/ssh_config", "-N", username()+"@dummy")
	s.sshdCmd.Stdin, _ = s.sshCmd.StdoutPipe()
	s.sshCmd.Stdin, _ = s.sshdCmd.StdoutPipe()
	s.sshdCmd.Stderr = &s.output
	s.sshCmd.Stderr = &s.output
	if err := s.sshdCmd.Start(); err != nil {
		s.shutdown()
		s.t.Fatalf("sshd start: %v", err)
	}
	if err := s.sshCmd.Start(); err != nil {
		s.shutdown()
		s.t.Fatalf("ssh start: %v", err)
	}
	s.ctrlSock = s.testdir + "/ctrl.sock"

	for i := 0; i < 100; i++ {
		time.Sleep(10 * time.Millisecond)
		if _, err := os.Stat(s.ctrlSock); err == nil {
			return s.ctrlSock
		}
	}
	s.shutdown()
	s.t.Fatalf("ssh did not create control socket %s", s.ctrlSock)
	return ""
}

func (s *muxServer) shutdown() {
	for _, cmd := range []*exec.Cmd{s.sshdCmd, s.sshCmd} {
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Signal(os.Interrupt)
			cmd.Wait()
		}
	}
	if s.t.Failed() {
		s.t.Logf("sshd/ssh output: %s", s.output.String())
	}
	s.cleanup()
}

func writeTestFile(t *testing.T, path string, contents []byte) {
	t.Helper()
	if err := os.WriteFile(path, contents, 0600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// newMuxServer assembles a throwaway sshd/ssh keypair+config set and
// returns a muxServer ready to start().
func newMuxServer(t *testing.T) *muxServer {
	if testing.Short() {
		t.Skip("skipping test due to -short")
	}
	dir := t.TempDir()

	for cname, conf := range sshConfigs {
		tmpl := template.Must(template.New(cname).Parse(conf))
		f, err := os.Create(filepath.Join(dir, cname))
		if err != nil {
			t.Fatal(err)
		}
		if err := tmpl.Execute(f, map[string]string{"Dir": dir}); err != nil {
			f.Close()
			t.Fatal(err)
		}
		f.Close()
	}

	var knownHosts, authKeys bytes.Buffer
	for name, pemBytes := range testdata.PEMBytes {
		priv, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			t.Fatalf("parsing test private key %s: %v", name, err)
		}
		pub := priv.PublicKey()
		authorized := ssh.MarshalAuthorizedKey(pub)

		writeTestFile(t, filepath.Join(dir, "id_"+name), pemBytes)
		writeTestFile(t, filepath.Join(dir, "id_"+name+".pub"), authorized)

		knownHosts.WriteString("dummy ")
		knownHosts.Write(authorized)
		knownHosts.WriteString("\n")
		authKeys.Write(authorized)
	}
	writeTestFile(t, filepath.Join(dir, "known_hosts"), knownHosts.Bytes())
	writeTestFile(t, filepath.Join(dir, "authorized_keys"), authKeys.Bytes())

	for name, cert := range testdata.SSHCertificates {
		writeTestFile(t, filepath.Join(dir, "id_"+name+"-cert.pub"), cert)
	}

	return &muxServer{
		t:       t,
		testdir: dir,
		cleanup: func() {},
	}
}
