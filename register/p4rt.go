package register

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
)

type P4RTConfig struct {
	Addr       string        `mapstructure:"addr"`
	DeviceID   uint64        `mapstructure:"device_id"`
	ElectionID uint64        `mapstructure:"election_id"`
	Timeout    time.Duration `mapstructure:"timeout"`

	// FieldRegisterIDs lists one register array per cell word, in cell order.
	FieldRegisterIDs []uint32 `mapstructure:"field_register_ids"`
	LockRegisterID   uint32   `mapstructure:"lock_register_id"`

	// The generation-select entries are default actions whose single
	// parameter is second_highest << GenerationShift.
	GenerationActionID uint32 `mapstructure:"generation_action_id"`
	GenerationParamID  uint32 `mapstructure:"generation_param_id"`
	GenerationShift    uint   `mapstructure:"generation_shift"`
}

// P4RTBackend talks to the device through a P4Runtime server. It holds the
// primary role for the device for as long as it is open.
type P4RTBackend struct {
	conf     P4RTConfig
	conn     *grpc.ClientConn
	client   p4v1.P4RuntimeClient
	stream   p4v1.P4Runtime_StreamChannelClient
	cancel   context.CancelFunc
	election *p4v1.Uint128
	fieldIdx map[uint32]int
}

// Check fails unless there is one field register per word of a cell of l.
func (c P4RTConfig) Check(l Layout) error {
	if len(c.FieldRegisterIDs) != l.Fields {
		return fmt.Errorf("p4runtime: %d field registers configured, %s cells have %d words",
			len(c.FieldRegisterIDs), l.Mode, l.Fields)
	}
	return nil
}

func newP4RTBackend(c P4RTConfig, client p4v1.P4RuntimeClient) *P4RTBackend {
	if c.Timeout == 0 {
		c.Timeout = time.Second
	}
	b := &P4RTBackend{
		conf:     c,
		client:   client,
		election: &p4v1.Uint128{High: 0, Low: c.ElectionID},
		fieldIdx: make(map[uint32]int, len(c.FieldRegisterIDs)),
	}
	for i, id := range c.FieldRegisterIDs {
		b.fieldIdx[id] = i
	}
	return b
}

// DialP4RT connects to the P4Runtime server and becomes primary for the
// device. The field registers must match the cells of l.
func DialP4RT(ctx context.Context, c P4RTConfig, l Layout) (*P4RTBackend, error) {
	if err := c.Check(l); err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(c.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("p4runtime: dial %s: %w", c.Addr, err)
	}
	b := newP4RTBackend(c, p4v1.NewP4RuntimeClient(conn))
	b.conn = conn
	if err := b.arbitrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	log.Info().Str("addr", c.Addr).Uint64("device_id", c.DeviceID).
		Uint64("election_id", c.ElectionID).Msg("p4runtime primary")
	return b, nil
}

func (b *P4RTBackend) arbitrate(ctx context.Context) error {
	sctx, cancel := context.WithCancel(context.Background())
	stream, err := b.client.StreamChannel(sctx)
	if err != nil {
		cancel()
		return fmt.Errorf("p4runtime: open stream: %w", err)
	}
	err = stream.Send(&p4v1.StreamMessageRequest{
		Update: &p4v1.StreamMessageRequest_Arbitration{
			Arbitration: &p4v1.MasterArbitrationUpdate{
				DeviceId:   b.conf.DeviceID,
				ElectionId: b.election,
			},
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("p4runtime: send arbitration: %w", err)
	}

	type result struct {
		resp *p4v1.StreamMessageResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := stream.Recv()
		ch <- result{resp, err}
	}()
	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("p4runtime: arbitration: %w", ctx.Err())
	}
	if r.err != nil {
		cancel()
		return fmt.Errorf("p4runtime: arbitration: %w", r.err)
	}
	arb := r.resp.GetArbitration()
	if arb == nil {
		cancel()
		return errors.New("p4runtime: unexpected stream message during arbitration")
	}
	if code := arb.GetStatus().GetCode(); code != int32(codes.OK) {
		cancel()
		return fmt.Errorf("p4runtime: not primary (code %d): %s", code, arb.GetStatus().GetMessage())
	}
	b.stream = stream
	b.cancel = cancel
	return nil
}

func registerEntity(id uint32, index int64, data *p4v1.P4Data) *p4v1.Entity {
	return &p4v1.Entity{
		Entity: &p4v1.Entity_RegisterEntry{
			RegisterEntry: &p4v1.RegisterEntry{
				RegisterId: id,
				Index:      &p4v1.Index{Index: index},
				Data:       data,
			},
		},
	}
}

func bitstring(v uint32) *p4v1.P4Data {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return &p4v1.P4Data{Data: &p4v1.P4Data_Bitstring{Bitstring: b}}
}

// word decodes a big endian P4Runtime bitstring of up to 4 bytes.
func word(bs []byte) uint32 {
	if len(bs) > 4 {
		bs = bs[len(bs)-4:]
	}
	var v uint32
	for _, c := range bs {
		v = v<<8 | uint32(c)
	}
	return v
}

func (b *P4RTBackend) ReadRange(addr uint32, count int) ([]byte, int, error) {
	fields := len(b.conf.FieldRegisterIDs)
	entities := make([]*p4v1.Entity, 0, count*fields)
	for _, id := range b.conf.FieldRegisterIDs {
		for i := 0; i < count; i++ {
			entities = append(entities, registerEntity(id, int64(addr)+int64(i), nil))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.conf.Timeout)
	defer cancel()
	rc, err := b.client.Read(ctx, &p4v1.ReadRequest{DeviceId: b.conf.DeviceID, Entities: entities})
	if err != nil {
		return nil, 0, fmt.Errorf("p4runtime: read: %w", err)
	}

	cb := fields * WordBytes
	buf := make([]byte, count*cb)
	got := make([]int, count)
	for {
		resp, err := rc.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("p4runtime: read: %w", err)
		}
		for _, e := range resp.GetEntities() {
			re := e.GetRegisterEntry()
			if re == nil {
				continue
			}
			f, ok := b.fieldIdx[re.GetRegisterId()]
			i := int(re.GetIndex().GetIndex() - int64(addr))
			if !ok || i < 0 || i >= count {
				continue
			}
			binary.LittleEndian.PutUint32(buf[i*cb+f*WordBytes:], word(re.GetData().GetBitstring()))
			got[i]++
		}
	}

	actual := 0
	for actual < count && got[actual] == fields {
		actual++
	}
	return buf[:actual*cb], actual, nil
}

func (b *P4RTBackend) write(updates []*p4v1.Update) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.conf.Timeout)
	defer cancel()
	_, err := b.client.Write(ctx, &p4v1.WriteRequest{
		DeviceId:   b.conf.DeviceID,
		ElectionId: b.election,
		Updates:    updates,
	})
	return err
}

func (b *P4RTBackend) SetGenerationBit(key uint32, value uint8) error {
	param := make([]byte, 4)
	binary.BigEndian.PutUint32(param, uint32(value&1)<<b.conf.GenerationShift)
	update := &p4v1.Update{
		Type: p4v1.Update_MODIFY,
		Entity: &p4v1.Entity{
			Entity: &p4v1.Entity_TableEntry{
				TableEntry: &p4v1.TableEntry{
					TableId:         key,
					IsDefaultAction: true,
					Action: &p4v1.TableAction{
						Type: &p4v1.TableAction_Action{
							Action: &p4v1.Action{
								ActionId: b.conf.GenerationActionID,
								Params: []*p4v1.Action_Param{
									{ParamId: b.conf.GenerationParamID, Value: param},
								},
							},
						},
					},
				},
			},
		},
	}
	if err := b.write([]*p4v1.Update{update}); err != nil {
		return fmt.Errorf("p4runtime: set generation bit on table %d: %w", key, err)
	}
	return nil
}

func (b *P4RTBackend) ReleaseQueryLock(isolationID uint8) error {
	update := &p4v1.Update{
		Type:   p4v1.Update_MODIFY,
		Entity: registerEntity(b.conf.LockRegisterID, int64(isolationID), bitstring(0)),
	}
	if err := b.write([]*p4v1.Update{update}); err != nil {
		return fmt.Errorf("p4runtime: release query lock %d: %w", isolationID, err)
	}
	return nil
}

func (b *P4RTBackend) ResetRange(addr uint32, count int) error {
	updates := make([]*p4v1.Update, 0, count*len(b.conf.FieldRegisterIDs))
	for _, id := range b.conf.FieldRegisterIDs {
		for i := 0; i < count; i++ {
			updates = append(updates, &p4v1.Update{
				Type:   p4v1.Update_MODIFY,
				Entity: registerEntity(id, int64(addr)+int64(i), bitstring(0)),
			})
		}
	}
	if err := b.write(updates); err != nil {
		return fmt.Errorf("p4runtime: reset range %d+%d: %w", addr, count, err)
	}
	return nil
}

func (b *P4RTBackend) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
