package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/peekproxy/peekproxy-srv/stats"
)

// mockConn is a mock implementation of net.Conn for testing
type mockConn struct {
	readData   [][]byte
	readIndex  int
	writeData  [][]byte
	readError  error
	writeError error
	closeError error
	closed     bool
	mu         sync.Mutex
}

func newMockConn() *mockConn {
	return &mockConn{}
}

func (m *mockConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readError != nil {
		return 0, m.readError
	}
	if m.readIndex >= len(m.readData) {
		return 0, io.EOF
	}

	data := m.readData[m.readIndex]
	m.readIndex++
	return copy(b, data), nil
}

func (m *mockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeError != nil {
		return 0, m.writeError
	}
	m.writeData = append(m.writeData, append([]byte(nil), b...))
	return len(b), nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return m.closeError
}

func (m *mockConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8080}
}

func (m *mockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9090}
}

func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func (m *mockConn) addReadData(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readData = append(m.readData, data)
}

func (m *mockConn) getWrittenData() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]byte, len(m.writeData))
	copy(result, m.writeData)
	return result
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// halfCloseConn is a mockConn that also supports CloseWrite.
type halfCloseConn struct {
	*mockConn
	writeClosed bool
}

func (h *halfCloseConn) CloseWrite() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeClosed = true
	return nil
}

// mockCollector is a mock implementation of stats.Collector for testing
type mockCollector struct {
	mock.Mock
}

func (m *mockCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, kind string) (int64, error) {
	args := m.Called(ctx, clientIP, targetHost, targetPort, kind)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	args := m.Called(ctx, connectionID, bytesSent, bytesReceived, duration, closeReason)
	return args.Error(0)
}

func (m *mockCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	args := m.Called(ctx, connectionID, bytesSent, bytesReceived)
	return args.Error(0)
}

func (m *mockCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	args := m.Called(ctx, connectionID, errorType, errorMessage)
	return args.Error(0)
}

func (m *mockCollector) GetOverviewStats(ctx context.Context) (*stats.OverviewStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(*stats.OverviewStats), args.Error(1)
}

func (m *mockCollector) GetRecentErrors(ctx context.Context, limit int) ([]stats.ErrorSummary, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]stats.ErrorSummary), args.Error(1)
}

func (m *mockCollector) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockCollector) Close() error {
	args := m.Called()
	return args.Error(0)
}

func TestNewTrackedConn(t *testing.T) {
	ctx := context.Background()
	conn := newMockConn()
	collector := &mockCollector{}

	tracked := newTrackedConn(ctx, conn, collector, 123)

	assert.NotNil(t, tracked)
	assert.Equal(t, conn, tracked.Conn)
	assert.Equal(t, int64(123), tracked.connectionID)
	sent, received := tracked.Totals()
	assert.Zero(t, sent)
	assert.Zero(t, received)
	assert.WithinDuration(t, time.Now(), tracked.startTime, time.Second)
}

func TestTrackedConn_Read(t *testing.T) {
	conn := newMockConn()
	testData := []byte("hello world")
	conn.addReadData(testData)

	tracked := newTrackedConn(context.Background(), conn, &mockCollector{}, 123)

	buffer := make([]byte, 1024)
	n, err := tracked.Read(buffer)

	require.NoError(t, err)
	assert.Equal(t, testData, buffer[:n])
	sent, received := tracked.Totals()
	assert.Equal(t, int64(0), sent)
	assert.Equal(t, int64(len(testData)), received)
}

func TestTrackedConn_Write(t *testing.T) {
	conn := newMockConn()
	tracked := newTrackedConn(context.Background(), conn, &mockCollector{}, 123)

	testData := []byte("hello world")
	n, err := tracked.Write(testData)

	require.NoError(t, err)
	assert.Equal(t, len(testData), n)
	sent, received := tracked.Totals()
	assert.Equal(t, int64(len(testData)), sent)
	assert.Equal(t, int64(0), received)

	writtenData := conn.getWrittenData()
	require.Len(t, writtenData, 1)
	assert.Equal(t, testData, writtenData[0])
}

func TestTrackedConn_WriteErrorNotCounted(t *testing.T) {
	conn := newMockConn()
	conn.writeError = errors.New("broken pipe")
	tracked := newTrackedConn(context.Background(), conn, &mockCollector{}, 1)

	_, err := tracked.Write([]byte("lost"))
	assert.Error(t, err)
	sent, _ := tracked.Totals()
	assert.Zero(t, sent)
}

func TestTrackedConn_PeriodicDataTransferReporting(t *testing.T) {
	ctx := context.Background()
	conn := newMockConn()
	collector := &mockCollector{}
	connectionID := int64(123)

	collector.On("RecordDataTransfer", ctx, connectionID, int64(dataTransferFlushBytes), int64(0)).Return(nil).Once()

	tracked := newTrackedConn(ctx, conn, collector, connectionID)

	data := make([]byte, dataTransferFlushBytes)
	for i := range data {
		data[i] = byte(i % 256)
	}

	n, err := tracked.Write(data)
	require.NoError(t, err)
	assert.Equal(t, dataTransferFlushBytes, n)

	collector.AssertExpectations(t)
}

func TestTrackedConn_PeriodicDataTransferReporting_ReadAndWrite(t *testing.T) {
	ctx := context.Background()
	conn := newMockConn()
	collector := &mockCollector{}
	connectionID := int64(123)

	half := dataTransferFlushBytes / 2
	conn.addReadData(make([]byte, half))

	// Reported once the combined traffic reaches the threshold
	collector.On("RecordDataTransfer", ctx, connectionID, int64(half), int64(half)).Return(nil).Once()

	tracked := newTrackedConn(ctx, conn, collector, connectionID)

	_, err := tracked.Write(make([]byte, half))
	require.NoError(t, err)

	_, err = tracked.Read(make([]byte, half))
	require.NoError(t, err)

	collector.AssertExpectations(t)
}

func TestTrackedConn_PeriodicReportingUnevenWrites(t *testing.T) {
	ctx := context.Background()
	collector := &mockCollector{}
	collector.On("RecordDataTransfer", ctx, int64(7), int64(12000), int64(0)).Return(nil).Once()

	tracked := newTrackedConn(ctx, newMockConn(), collector, 7)
	for range 3 {
		_, err := tracked.Write(make([]byte, 4000))
		require.NoError(t, err)
	}

	collector.AssertExpectations(t)
}

func TestTrackedConn_Finish(t *testing.T) {
	ctx := context.Background()
	conn := newMockConn()
	collector := &mockCollector{}
	connectionID := int64(123)

	tracked := newTrackedConn(ctx, conn, collector, connectionID)

	_, err := tracked.Write([]byte("hello"))
	require.NoError(t, err)

	collector.On("RecordDataTransfer", ctx, connectionID, int64(5), int64(0)).Return(nil).Once()
	collector.On("EndConnection", ctx, connectionID, int64(5), int64(0), mock.AnythingOfType("time.Duration"), stats.CloseReasonNormal).Return(nil).Once()

	err = tracked.finish(stats.CloseReasonNormal)
	assert.NoError(t, err)
	assert.True(t, conn.isClosed())

	collector.AssertExpectations(t)
}

func TestTrackedConn_FinishWithCloseError(t *testing.T) {
	ctx := context.Background()
	conn := newMockConn()
	collector := &mockCollector{}

	closeError := errors.New("connection reset")
	conn.closeError = closeError

	tracked := newTrackedConn(ctx, conn, collector, 123)

	// No bytes moved, so no data transfer event
	collector.On("EndConnection", ctx, int64(123), int64(0), int64(0), mock.AnythingOfType("time.Duration"), closeError.Error()).Return(nil).Once()

	err := tracked.finish(stats.CloseReasonNormal)
	assert.Equal(t, closeError, err)

	collector.AssertExpectations(t)
}

func TestTrackedConn_FinishAfterClose(t *testing.T) {
	ctx := context.Background()
	conn := newMockConn()
	conn.closeError = net.ErrClosed
	collector := &mockCollector{}

	tracked := newTrackedConn(ctx, conn, collector, 9)

	// A plain Close, as done by the relay, does not end the record
	require.ErrorIs(t, tracked.Close(), net.ErrClosed)
	collector.AssertNotCalled(t, "EndConnection", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	collector.On("EndConnection", ctx, int64(9), int64(0), int64(0), mock.AnythingOfType("time.Duration"), stats.CloseReasonRelayFailed).Return(nil).Once()
	assert.NoError(t, tracked.finish(stats.CloseReasonRelayFailed))

	collector.AssertExpectations(t)
}

func TestTrackedConn_FinishOnlyOnce(t *testing.T) {
	ctx := context.Background()
	collector := &mockCollector{}

	tracked := newTrackedConn(ctx, newMockConn(), collector, 123)

	collector.On("EndConnection", ctx, int64(123), int64(0), int64(0), mock.AnythingOfType("time.Duration"), stats.CloseReasonNormal).Return(nil).Once()

	assert.NoError(t, tracked.finish(stats.CloseReasonNormal))
	assert.NoError(t, tracked.finish(stats.CloseReasonRelayFailed))
	assert.NoError(t, tracked.finish(stats.CloseReasonNormal))

	collector.AssertExpectations(t)
}

func TestTrackedConn_CloseWrite(t *testing.T) {
	tracked := newTrackedConn(context.Background(), newMockConn(), &mockCollector{}, 1)
	assert.ErrorIs(t, tracked.CloseWrite(), errors.ErrUnsupported)

	inner := &halfCloseConn{mockConn: newMockConn()}
	tracked = newTrackedConn(context.Background(), inner, &mockCollector{}, 1)
	require.NoError(t, tracked.CloseWrite())
	assert.True(t, inner.writeClosed)
	assert.False(t, inner.isClosed())
}

func TestTrackedConn_WithAtomicCollector(t *testing.T) {
	ctx := context.Background()
	collector := stats.NewAtomicCollector()
	id, err := collector.StartConnection(ctx, "127.0.0.1", "example.com", 443, stats.KindTunnel)
	require.NoError(t, err)

	conn := newMockConn()
	conn.addReadData([]byte("response"))
	tracked := newTrackedConn(ctx, conn, collector, id)

	_, err = tracked.Write([]byte("request"))
	require.NoError(t, err)
	_, err = tracked.Read(make([]byte, 64))
	require.NoError(t, err)
	require.NoError(t, tracked.finish(stats.CloseReasonNormal))

	record, ok := collector.Connection(id)
	require.True(t, ok)
	require.NotNil(t, record.EndedAt)
	assert.Equal(t, int64(7), record.BytesSent)
	assert.Equal(t, int64(8), record.BytesReceived)
	assert.Equal(t, stats.CloseReasonNormal, record.CloseReason)
}
