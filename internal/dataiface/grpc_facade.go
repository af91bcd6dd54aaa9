package dataiface

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/openbmc-go/pel-manager/internal/transport"
)

// Platform data-interface service method names. As with the host-link
// service, there is no protoc-generated stub (see internal/transport's
// package doc); these are invoked directly through the JSON codec.
const (
	methodGetSystemNames            = "/pel.dataiface.v1.DataIface/GetSystemNames"
	methodGetMachineTypeModel       = "/pel.dataiface.v1.DataIface/GetMachineTypeModel"
	methodGetMachineSerialNumber    = "/pel.dataiface.v1.DataIface/GetMachineSerialNumber"
	methodGetInventoryFromLocCode   = "/pel.dataiface.v1.DataIface/GetInventoryFromLocCode"
	methodExpandLocationCode        = "/pel.dataiface.v1.DataIface/ExpandLocationCode"
	methodGetHWCalloutFields        = "/pel.dataiface.v1.DataIface/GetHWCalloutFields"
	methodAssertLEDGroup            = "/pel.dataiface.v1.DataIface/AssertLEDGroup"
	methodSetFunctional             = "/pel.dataiface.v1.DataIface/SetFunctional"
	methodSetCriticalAssociation    = "/pel.dataiface.v1.DataIface/SetCriticalAssociation"
	methodGetHostPELEnablement      = "/pel.dataiface.v1.DataIface/GetHostPELEnablement"
	methodIsHMCManaged              = "/pel.dataiface.v1.DataIface/IsHMCManaged"
	methodIsHostUp                  = "/pel.dataiface.v1.DataIface/IsHostUp"
	methodGetBMCFWVersionID         = "/pel.dataiface.v1.DataIface/GetBMCFWVersionID"
	methodGetBMCState               = "/pel.dataiface.v1.DataIface/GetBMCState"
	methodGetChassisState           = "/pel.dataiface.v1.DataIface/GetChassisState"
	methodGetHostState              = "/pel.dataiface.v1.DataIface/GetHostState"
	methodGetBootState              = "/pel.dataiface.v1.DataIface/GetBootState"
	methodHostStateChangeStream     = "/pel.dataiface.v1.DataIface/HostStateChangeStream"
)

var hostStateChangeStreamDesc = grpc.StreamDesc{
	StreamName:    "HostStateChangeStream",
	ServerStreams: true,
}

type hostStateEvent struct {
	Up bool `json:"up"`
}

// GRPCFacade is the production Facade: every method call is a unary RPC
// bounded by transport.CallDeadline (§7's "synchronous bus calls with a
// 10s deadline"). A failed or timed-out call returns the method's zero
// value (ExpandLocationCode: the unexpanded input) together with the
// error, and logs a warning the first time that particular method fails.
type GRPCFacade struct {
	conn *grpc.ClientConn
	log  *zap.Logger

	warnOnce sync.Map // method string -> *sync.Once

	mu       sync.Mutex
	subNames []string
	subs     map[string]HostStateChangeFunc

	stop chan struct{}
}

// DialFacade connects to the platform data-interface service at target and
// starts the background host-state-change stream reader.
func DialFacade(target string, log *zap.Logger) (*GRPCFacade, error) {
	conn, err := transport.Dial(target)
	if err != nil {
		return nil, err
	}
	f := &GRPCFacade{
		conn: conn,
		log:  log,
		subs: make(map[string]HostStateChangeFunc),
		stop: make(chan struct{}),
	}
	go f.streamHostStateChanges()
	return f, nil
}

// Close stops the host-state-change stream reader and closes the
// underlying connection.
func (f *GRPCFacade) Close() error {
	close(f.stop)
	return f.conn.Close()
}

func (f *GRPCFacade) warnDegrade(method string, err error) {
	onceVal, _ := f.warnOnce.LoadOrStore(method, &sync.Once{})
	onceVal.(*sync.Once).Do(func() {
		f.log.Warn("dataiface: call failed, degrading to zero value", zap.String("method", method), zap.Error(err))
	})
}

func (f *GRPCFacade) GetSystemNames(ctx context.Context) ([]string, error) {
	var resp struct {
		Names []string `json:"names"`
	}
	if err := transport.Invoke(ctx, f.conn, methodGetSystemNames, &struct{}{}, &resp); err != nil {
		f.warnDegrade(methodGetSystemNames, err)
		return nil, err
	}
	return resp.Names, nil
}

func (f *GRPCFacade) GetMachineTypeModel(ctx context.Context) (string, error) {
	var resp struct {
		MTM string `json:"mtm"`
	}
	if err := transport.Invoke(ctx, f.conn, methodGetMachineTypeModel, &struct{}{}, &resp); err != nil {
		f.warnDegrade(methodGetMachineTypeModel, err)
		return "", err
	}
	return resp.MTM, nil
}

func (f *GRPCFacade) GetMachineSerialNumber(ctx context.Context) (string, error) {
	var resp struct {
		Serial string `json:"serial"`
	}
	if err := transport.Invoke(ctx, f.conn, methodGetMachineSerialNumber, &struct{}{}, &resp); err != nil {
		f.warnDegrade(methodGetMachineSerialNumber, err)
		return "", err
	}
	return resp.Serial, nil
}

func (f *GRPCFacade) GetInventoryFromLocCode(ctx context.Context, locCode string, node uint8, expanded bool) ([]string, error) {
	req := struct {
		LocationCode string `json:"locationCode"`
		Node         uint8  `json:"node"`
		Expanded     bool   `json:"expanded"`
	}{locCode, node, expanded}
	var resp struct {
		Paths []string `json:"paths"`
	}
	if err := transport.Invoke(ctx, f.conn, methodGetInventoryFromLocCode, &req, &resp); err != nil {
		f.warnDegrade(methodGetInventoryFromLocCode, err)
		return nil, err
	}
	return resp.Paths, nil
}

func (f *GRPCFacade) ExpandLocationCode(ctx context.Context, locCode string, node uint8) (string, error) {
	req := struct {
		LocationCode string `json:"locationCode"`
		Node         uint8  `json:"node"`
	}{locCode, node}
	var resp struct {
		Expanded string `json:"expanded"`
	}
	if err := transport.Invoke(ctx, f.conn, methodExpandLocationCode, &req, &resp); err != nil {
		f.warnDegrade(methodExpandLocationCode, err)
		return locCode, err
	}
	return resp.Expanded, nil
}

func (f *GRPCFacade) GetHWCalloutFields(ctx context.Context, path string) (HWCalloutFields, error) {
	req := struct {
		Path string `json:"path"`
	}{path}
	var resp HWCalloutFields
	if err := transport.Invoke(ctx, f.conn, methodGetHWCalloutFields, &req, &resp); err != nil {
		f.warnDegrade(methodGetHWCalloutFields, err)
		return HWCalloutFields{}, err
	}
	return resp, nil
}

func (f *GRPCFacade) AssertLEDGroup(ctx context.Context, path string, assert bool) error {
	req := struct {
		Path   string `json:"path"`
		Assert bool   `json:"assert"`
	}{path, assert}
	if err := transport.Invoke(ctx, f.conn, methodAssertLEDGroup, &req, &struct{}{}); err != nil {
		f.warnDegrade(methodAssertLEDGroup, err)
		return err
	}
	return nil
}

func (f *GRPCFacade) SetFunctional(ctx context.Context, path string, functional bool) error {
	req := struct {
		Path       string `json:"path"`
		Functional bool   `json:"functional"`
	}{path, functional}
	if err := transport.Invoke(ctx, f.conn, methodSetFunctional, &req, &struct{}{}); err != nil {
		f.warnDegrade(methodSetFunctional, err)
		return err
	}
	return nil
}

func (f *GRPCFacade) SetCriticalAssociation(ctx context.Context, path string) error {
	req := struct {
		Path string `json:"path"`
	}{path}
	if err := transport.Invoke(ctx, f.conn, methodSetCriticalAssociation, &req, &struct{}{}); err != nil {
		f.warnDegrade(methodSetCriticalAssociation, err)
		return err
	}
	return nil
}

func (f *GRPCFacade) GetHostPELEnablement(ctx context.Context) (bool, error) {
	var resp struct {
		Enabled bool `json:"enabled"`
	}
	if err := transport.Invoke(ctx, f.conn, methodGetHostPELEnablement, &struct{}{}, &resp); err != nil {
		f.warnDegrade(methodGetHostPELEnablement, err)
		return false, err
	}
	return resp.Enabled, nil
}

func (f *GRPCFacade) IsHMCManaged(ctx context.Context) (bool, error) {
	var resp struct {
		Managed bool `json:"managed"`
	}
	if err := transport.Invoke(ctx, f.conn, methodIsHMCManaged, &struct{}{}, &resp); err != nil {
		f.warnDegrade(methodIsHMCManaged, err)
		return false, err
	}
	return resp.Managed, nil
}

func (f *GRPCFacade) IsHostUp(ctx context.Context) (bool, error) {
	var resp struct {
		Up bool `json:"up"`
	}
	if err := transport.Invoke(ctx, f.conn, methodIsHostUp, &struct{}{}, &resp); err != nil {
		f.warnDegrade(methodIsHostUp, err)
		return false, err
	}
	return resp.Up, nil
}

// SubscribeToHostStateChange registers fn under name; it is invoked from
// the background stream-reading goroutine whenever a host-state-change
// event arrives, in the order subscribers were registered.
func (f *GRPCFacade) SubscribeToHostStateChange(name string, fn HostStateChangeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.subs[name]; !exists {
		f.subNames = append(f.subNames, name)
	}
	f.subs[name] = fn
}

func (f *GRPCFacade) UnsubscribeFromHostStateChange(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, name)
	out := f.subNames[:0]
	for _, n := range f.subNames {
		if n != name {
			out = append(out, n)
		}
	}
	f.subNames = out
}

func (f *GRPCFacade) dispatchHostStateChange(up bool) {
	f.mu.Lock()
	names := append([]string(nil), f.subNames...)
	subs := make(map[string]HostStateChangeFunc, len(f.subs))
	for k, v := range f.subs {
		subs[k] = v
	}
	f.mu.Unlock()

	for _, name := range names {
		if fn, ok := subs[name]; ok {
			fn(up)
		}
	}
}

// streamHostStateChanges holds the data-interface service's server-
// streaming HostStateChangeStream RPC open for the life of the connection,
// reconnecting with a short backoff on any stream error.
func (f *GRPCFacade) streamHostStateChanges() {
	for {
		select {
		case <-f.stop:
			return
		default:
		}

		if err := f.runHostStateChangeStream(); err != nil {
			f.log.Warn("dataiface: host state change stream error, reconnecting", zap.Error(err))
			select {
			case <-time.After(2 * time.Second):
			case <-f.stop:
				return
			}
		}
	}
}

func (f *GRPCFacade) runHostStateChangeStream() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-f.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	stream, err := f.conn.NewStream(ctx, &hostStateChangeStreamDesc, methodHostStateChangeStream, grpc.CallContentSubtype(transport.CodecName))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&struct{}{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		var evt hostStateEvent
		if err := stream.RecvMsg(&evt); err != nil {
			return err
		}
		f.dispatchHostStateChange(evt.Up)
	}
}

func (f *GRPCFacade) GetBMCFWVersionID(ctx context.Context) (string, error) {
	var resp struct {
		VersionID string `json:"versionId"`
	}
	if err := transport.Invoke(ctx, f.conn, methodGetBMCFWVersionID, &struct{}{}, &resp); err != nil {
		f.warnDegrade(methodGetBMCFWVersionID, err)
		return "", err
	}
	return resp.VersionID, nil
}

func (f *GRPCFacade) GetBMCState(ctx context.Context) (string, error) {
	return f.getState(ctx, methodGetBMCState)
}

func (f *GRPCFacade) GetChassisState(ctx context.Context) (string, error) {
	return f.getState(ctx, methodGetChassisState)
}

func (f *GRPCFacade) GetHostState(ctx context.Context) (string, error) {
	return f.getState(ctx, methodGetHostState)
}

func (f *GRPCFacade) GetBootState(ctx context.Context) (string, error) {
	return f.getState(ctx, methodGetBootState)
}

func (f *GRPCFacade) getState(ctx context.Context, method string) (string, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := transport.Invoke(ctx, f.conn, method, &struct{}{}, &resp); err != nil {
		f.warnDegrade(method, err)
		return "", err
	}
	return resp.State, nil
}

var _ Facade = (*GRPCFacade)(nil)
