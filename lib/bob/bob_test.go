package bob

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-i2pd/lib/common/base64"
	"github.com/go-i2p/go-i2pd/lib/common/identity"
	"github.com/go-i2p/go-i2pd/lib/netdb"
	"github.com/go-i2p/go-i2pd/lib/streaming"
	"github.com/go-i2p/go-i2pd/lib/tunnel"
)

type bobClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func startChannel(t *testing.T, onZap func()) (*CommandChannel, *bobClient) {
	t.Helper()
	db := netdb.NewNetDb(t.TempDir(), nil, nil, nil, nil, nil, nil)
	require.NoError(t, db.Ensure())
	ds := streaming.NewDestinations(db, &tunnel.FakeManager{}, nil, t.TempDir())
	require.NoError(t, ds.Start())
	t.Cleanup(ds.Stop)

	ch := NewCommandChannel("127.0.0.1:0", ds, db, onZap)
	require.NoError(t, ch.Start())
	t.Cleanup(ch.Stop)

	conn, err := net.Dial("tcp", ch.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return ch, &bobClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *bobClient) command(t *testing.T, line string) string {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
	reply, err := c.reader.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(reply, "\n")
}

func TestUnknownCommandYieldsError(t *testing.T) {
	_, client := startChannel(t, nil)
	reply := client.command(t, "frobnicate now")
	assert.True(t, strings.HasPrefix(reply, "ERROR "), reply)
}

func TestSetNickAndNewkeys(t *testing.T) {
	_, client := startChannel(t, nil)

	reply := client.command(t, "setnick webapp")
	assert.Equal(t, "OK nickname set to webapp", reply)

	reply = client.command(t, "newkeys")
	require.True(t, strings.HasPrefix(reply, "OK "), reply)
	raw, err := base64.DecodeString(strings.TrimPrefix(reply, "OK "))
	require.NoError(t, err)
	_, n, err := identity.ReadIdentity(raw)
	require.NoError(t, err)
	assert.Equal(t, identity.IdentitySize, n)
}

func TestStartRequiresConfiguration(t *testing.T) {
	_, client := startChannel(t, nil)

	reply := client.command(t, "start")
	assert.True(t, strings.HasPrefix(reply, "ERROR "), reply)

	client.command(t, "setnick empty")
	reply = client.command(t, "start")
	assert.True(t, strings.HasPrefix(reply, "ERROR "), reply)
}

func TestStartClientTunnelMovesIntoRegistry(t *testing.T) {
	ch, client := startChannel(t, nil)

	client.command(t, "setnick local")
	assert.Equal(t, "OK inhost set", client.command(t, "inhost 127.0.0.1"))
	assert.True(t, strings.HasPrefix(client.command(t, "inport 0"), "ERROR "))
	assert.Equal(t, "OK inbound port set", client.command(t, "inport 39414"))

	reply := client.command(t, "start")
	assert.Equal(t, "OK tunnel local starting", reply)

	ch.mutex.Lock()
	_, registered := ch.tunnels["local"]
	ch.mutex.Unlock()
	assert.True(t, registered)

	// a second start under the same nickname is refused
	reply = client.command(t, "start")
	assert.True(t, strings.HasPrefix(reply, "ERROR "), reply)
}

func TestQuitEndsSession(t *testing.T) {
	_, client := startChannel(t, nil)
	assert.Equal(t, "OK bye", client.command(t, "quit"))
	_, err := client.reader.ReadString('\n')
	assert.Error(t, err, "server closes the session after quit")
}

func TestZapInvokesShutdownHook(t *testing.T) {
	zapped := make(chan struct{}, 1)
	_, client := startChannel(t, func() { zapped <- struct{}{} })
	assert.Equal(t, "OK terminating", client.command(t, "zap"))
	select {
	case <-zapped:
	case <-time.After(time.Second):
		t.Fatal("zap hook not invoked")
	}
}
