// Package ssh reaches a remote host through a single SSH transport.
//
// A [Client] holds at most one transport (an *ssh.Client) at a time and
// multiplexes every tunneled TCP connection over it. Outbound connections
// use "direct-tcpip" channels, the client half of ssh -L and ssh -D.
// Listening sockets use "tcpip-forward" requests, so connections made to a
// port on the remote host arrive locally as "forwarded-tcpip" channels, the
// client half of ssh -R.
//
// The transport is established lazily on first use and replaced once if it
// turns out to be dead. Authentication supports passwords, private key files
// and the SSH agent; host keys are verified against a known_hosts file with
// trust on first use.
//
//	signers, _ := ssh.LoadSigners(ctx, "agent")
//	hostKeyCallback, _ := ssh.NewHostKeyCallback("~/.ssh/known_hosts", log)
//
//	client, _ := ssh.NewClient("ssh.example.com:22", ssh.ClientConfig{
//	    Username:        "user",
//	    Signers:         signers,
//	    HostKeyCallback: hostKeyCallback,
//	}, &net.Dialer{})
//
//	conn, err := client.DialContext(ctx, "tcp", "internal.example.com:80")
//	ln, err := client.Listen(ctx, "tcp", "localhost:8080")
//
// [Server] is the matching server side. It is small and mostly useful for
// tests.
package ssh
