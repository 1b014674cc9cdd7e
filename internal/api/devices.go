package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/cxcap/internal/api/models"
	"github.com/smazurov/cxcap/internal/device"
	"github.com/smazurov/cxcap/internal/reset"
	"github.com/smazurov/cxcap/internal/stream"
)

func (s *Server) lookup(name string) (*device.Device, error) {
	d, err := s.devices.Get(name)
	if err != nil {
		return nil, toHumaError(err)
	}
	return d, nil
}

func (s *Server) lookupStream(name, st string) (*device.Device, stream.Type, error) {
	d, err := s.lookup(name)
	if err != nil {
		return nil, 0, err
	}
	t, err := stream.ParseType(st)
	if err != nil {
		return nil, 0, toHumaError(err)
	}
	return d, t, nil
}

func deviceData(d *device.Device) models.DeviceData {
	return models.DeviceData{Info: d.Info(), Codec: d.Codec()}
}

func (s *Server) registerDeviceRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-devices",
		Method:      http.MethodGet,
		Path:        "/api/devices",
		Summary:     "List Devices",
		Description: "List the probed encoder cards",
		Tags:        []string{"devices"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(ctx context.Context, input *struct{}) (*models.DeviceListResponse, error) {
		list := s.devices.List()
		infos := make([]device.Info, 0, len(list))
		for _, d := range list {
			infos = append(infos, d.Info())
		}
		return &models.DeviceListResponse{
			Body: models.DeviceListData{Devices: infos, Count: len(infos)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-device",
		Method:      http.MethodGet,
		Path:        "/api/devices/{device}",
		Summary:     "Get Device",
		Description: "Firmware version, mailbox location, interrupt mask, reset counter and DMA invariant status of a card",
		Tags:        []string{"devices"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(ctx context.Context, input *models.DeviceInput) (*models.DeviceResponse, error) {
		d, err := s.lookup(input.Device)
		if err != nil {
			return nil, err
		}
		return &models.DeviceResponse{Body: deviceData(d)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-streams",
		Method:      http.MethodGet,
		Path:        "/api/devices/{device}/streams",
		Summary:     "List Streams",
		Description: "Owner, flags, last completion and queue depths of every stream",
		Tags:        []string{"streams"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(ctx context.Context, input *models.DeviceInput) (*models.StreamListResponse, error) {
		d, err := s.lookup(input.Device)
		if err != nil {
			return nil, err
		}
		return &models.StreamListResponse{
			Body: models.StreamListData{Device: d.Name(), Streams: d.StatusAll()},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-stream",
		Method:      http.MethodGet,
		Path:        "/api/devices/{device}/streams/{stream}",
		Summary:     "Get Stream",
		Tags:        []string{"streams"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(ctx context.Context, input *models.StreamInput) (*models.StreamResponse, error) {
		d, t, err := s.lookupStream(input.Device, input.Stream)
		if err != nil {
			return nil, err
		}
		st, err := d.Status(t)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &models.StreamResponse{Body: st}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "reset-device",
		Method:      http.MethodPost,
		Path:        "/api/devices/{device}/reset",
		Summary:     "Reset Firmware",
		Description: "Recover the encoder firmware. Without force a live firmware is left alone.",
		Tags:        []string{"devices"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404, 409, 503},
	}, func(ctx context.Context, input *models.ResetRequest) (*models.ResetResponse, error) {
		d, err := s.lookup(input.Device)
		if err != nil {
			return nil, err
		}
		mode := reset.Full
		if input.Body.Mode != "" {
			if mode, err = reset.ParseMode(input.Body.Mode); err != nil {
				return nil, huma.Error400BadRequest(err.Error())
			}
		}
		if input.Body.Force && mode == reset.Full {
			d.Rearm()
		}
		if err := d.Reset(ctx, input.Body.Force, mode); err != nil {
			return nil, toHumaError(err)
		}
		return &models.ResetResponse{Body: deviceData(d)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-codec",
		Method:      http.MethodPut,
		Path:        "/api/devices/{device}/codec",
		Summary:     "Set Codec",
		Description: "Store encoder parameters. They are sent when the next first capture starts.",
		Tags:        []string{"devices"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404},
	}, func(ctx context.Context, input *models.CodecRequest) (*models.CodecResponse, error) {
		d, err := s.lookup(input.Device)
		if err != nil {
			return nil, err
		}
		if err := d.SetCodec(input.Body); err != nil {
			return nil, toHumaError(err)
		}
		return &models.CodecResponse{Body: d.Codec()}, nil
	})
}
