//go:build protogen

package calendar

import (
	"context"
	"log/slog"
	"time"

	"github.com/consulere/booking/libs/grpcx"
	calendarv1 "github.com/consulere/booking/protos/gen/calendar/v1"
	"github.com/consulere/booking/services/booking-service/internal/availability"
)

type grpcProvider struct {
	client calendarv1.CalendarSyncServiceClient
}

func NewProvider(logger *slog.Logger, addr string) (Provider, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := grpcx.Dial(context.Background(), addr, grpcx.DialOptions{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	logger.Info("grpc calendar provider enabled", "addr", addr)
	return &grpcProvider{client: calendarv1.NewCalendarSyncServiceClient(conn)}, nil
}

func (p *grpcProvider) FetchBusy(ctx context.Context, integ Integration, from, to time.Time) ([]availability.Interval, error) {
	resp, err := p.client.FetchBusy(ctx, &calendarv1.FetchBusyRequest{
		Provider:    integ.Provider,
		Credentials: integ.Credentials,
		FromUnix:    from.Unix(),
		ToUnix:      to.Unix(),
	})
	if err != nil {
		return nil, err
	}
	var busy []availability.Interval
	for _, iv := range resp.GetBusy() {
		start := time.Unix(iv.GetStartUnix(), 0).UTC()
		end := time.Unix(iv.GetEndUnix(), 0).UTC()
		if end.After(start) {
			busy = append(busy, availability.Interval{Start: start, End: end})
		}
	}
	return busy, nil
}
