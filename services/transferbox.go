// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package services implements the TransferBox control service: a REST API
// for the engine's control operations and a websocket channel that pushes
// progress and status events to connected clients.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humamux"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/kbase/transferbox/config"
	"github.com/kbase/transferbox/engine"
	"github.com/kbase/transferbox/journal"
)

// Version numbers
var majorVersion = 0
var minorVersion = 1
var patchVersion = 0

// Version string
var version = fmt.Sprintf("%d.%d.%d", majorVersion, minorVersion, patchVersion)

// This type implements the TransferService interface, exposing a transfer
// engine over HTTP.
type transferBoxService struct {
	// name of the service
	Name string
	// service version identifier
	Version string
	// time which the service was started
	StartTime time.Time
	// port on which the service currently runs
	Port int
	// router for REST and websocket endpoints
	Router *mux.Router
	// API wrapper
	API huma.API
	// HTTP server.
	Server *http.Server
	// the engine being controlled
	Engine Controller
	// connected websocket clients
	clients *clientSet
}

type ServiceInfoOutput struct {
	Body ServiceInfoResponse `doc:"information about the service itself"`
}

// handler method for root
func (service *transferBoxService) getRoot(ctx context.Context,
	input *struct{}) (*ServiceInfoOutput, error) {

	slog.Debug("Querying root endpoint...")
	return &ServiceInfoOutput{
		Body: ServiceInfoResponse{
			Name:          service.Name,
			Version:       service.Version,
			Uptime:        int(service.uptime()),
			Documentation: "/docs",
		},
	}, nil
}

type StatusOutput struct {
	Body StatusResponse `doc:"the state of the transfer engine"`
}

// handler method for querying the engine's status
func (service *transferBoxService) getStatus(ctx context.Context,
	input *struct{}) (*StatusOutput, error) {

	status := service.Engine.Status()
	return &StatusOutput{
		Body: StatusResponse{
			State:         string(status.State),
			Destination:   status.Destination,
			PendingDevice: status.PendingDevice,
			ActiveDevice:  status.ActiveDevice,
			Attached:      status.Attached,
			Progress:      status.Progress,
			LastSession:   status.LastSession,
		},
	}, nil
}

type DestinationOutput struct {
	Body engine.DestinationResult `doc:"the outcome of validating the destination"`
}

// handler method for selecting the destination root. An invalid path is not
// an HTTP error: the result reports it so the client can prompt again.
func (service *transferBoxService) setDestination(ctx context.Context,
	input *struct {
		Body DestinationRequest
	}) (*DestinationOutput, error) {

	slog.Info(fmt.Sprintf("Setting destination to %s...", input.Body.Path))
	result, err := service.Engine.SetDestination(input.Body.Path)
	if err != nil {
		var invalid *engine.InvalidDestinationError
		if !errors.As(err, &invalid) {
			return nil, controlError(err)
		}
	}
	return &DestinationOutput{Body: result}, nil
}

type ControlOutput struct {
	Status int
}

// handler method for explicitly starting a session on the waiting device
func (service *transferBoxService) startSession(ctx context.Context,
	input *struct{}) (*ControlOutput, error) {
	if err := service.Engine.StartSession(); err != nil {
		return nil, controlError(err)
	}
	return &ControlOutput{Status: http.StatusAccepted}, nil
}

// handler method for requesting a cooperative stop of the running session
func (service *transferBoxService) stopSession(ctx context.Context,
	input *struct{}) (*ControlOutput, error) {
	if err := service.Engine.StopSession(); err != nil {
		return nil, controlError(err)
	}
	return &ControlOutput{Status: http.StatusAccepted}, nil
}

// handler method for re-arming the engine after a finished session
func (service *transferBoxService) resetSession(ctx context.Context,
	input *struct{}) (*ControlOutput, error) {
	if err := service.Engine.ResetSession(); err != nil {
		return nil, controlError(err)
	}
	return &ControlOutput{Status: http.StatusNoContent}, nil
}

// maps an engine error to an HTTP error
func controlError(err error) error {
	var closed *engine.ClosedError
	if errors.As(err, &closed) {
		return huma.Error503ServiceUnavailable(err.Error())
	}
	var invalid *engine.InvalidDestinationError
	if errors.As(err, &invalid) {
		return huma.Error400BadRequest(err.Error())
	}
	// everything else is a request that doesn't fit the engine's state
	return huma.Error409Conflict(err.Error())
}

type SessionOutput struct {
	Body SessionResponse `doc:"a journaled transfer session"`
}

type SessionsOutput struct {
	Body []SessionResponse `doc:"journaled transfer sessions in order of their start times"`
}

// handler method for querying journaled sessions within a time range
func (service *transferBoxService) getSessions(ctx context.Context,
	input *struct {
		Start string `query:"start" example:"2024-05-01T00:00:00Z" doc:"the earliest start time of interest (RFC 3339)"`
		Stop  string `query:"stop" example:"2024-05-31T23:59:59Z" doc:"the latest start time of interest (RFC 3339)"`
	}) (*SessionsOutput, error) {

	start := time.Time{}
	stop := time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	var err error
	if input.Start != "" {
		if start, err = time.Parse(time.RFC3339, input.Start); err != nil {
			return nil, huma.Error400BadRequest(fmt.Sprintf("Invalid start time: %s", input.Start))
		}
	}
	if input.Stop != "" {
		if stop, err = time.Parse(time.RFC3339, input.Stop); err != nil {
			return nil, huma.Error400BadRequest(fmt.Sprintf("Invalid stop time: %s", input.Stop))
		}
	}
	records, err := journal.Records(start, stop)
	if err != nil {
		return nil, journalError(err)
	}
	output := &SessionsOutput{
		Body: make([]SessionResponse, len(records)),
	}
	for i, record := range records {
		output.Body[i] = sessionResponse(record)
	}
	return output, nil
}

// handler method for querying a single journaled session
func (service *transferBoxService) getSession(ctx context.Context,
	input *struct {
		Id uuid.UUID `path:"id" example:"de9a2d6a-f5c9-4322-b8a7-8121d83fdfc2" doc:"the UUID of the session"`
	}) (*SessionOutput, error) {

	record, err := journal.TransferRecord(input.Id)
	if err != nil {
		return nil, journalError(err)
	}
	return &SessionOutput{Body: sessionResponse(record)}, nil
}

func journalError(err error) error {
	var notFound *journal.RecordNotFoundError
	if errors.As(err, &notFound) {
		return huma.Error404NotFound(err.Error())
	}
	var notOpen *journal.NotOpenError
	if errors.As(err, &notOpen) {
		return huma.Error503ServiceUnavailable(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}

// returns the uptime for the service in seconds
func (service *transferBoxService) uptime() float64 {
	return time.Since(service.StartTime).Seconds()
}

// constructs a control service for the given engine using our configuration
func NewTransferBoxService(controller Controller) (TransferService, error) {
	if controller == nil {
		return nil, fmt.Errorf("No transfer engine was given.")
	}
	return newTransferBoxService(controller), nil
}

func newTransferBoxService(controller Controller) *transferBoxService {
	service := new(transferBoxService)
	service.Name = config.Service.Name
	service.Version = version
	service.Port = -1
	service.StartTime = time.Now()
	service.Engine = controller
	service.clients = newClientSet()

	// set up routing
	service.Router = mux.NewRouter()
	api := humamux.New(service.Router, huma.DefaultConfig(service.Name, service.Version))
	service.API = api
	huma.Get(api, "/", service.getRoot)

	// API v1
	huma.Get(api, "/api/v1/status", service.getStatus)
	huma.Post(api, "/api/v1/destination", service.setDestination)
	huma.Post(api, "/api/v1/start", service.startSession)
	huma.Post(api, "/api/v1/stop", service.stopSession)
	huma.Post(api, "/api/v1/reset", service.resetSession)
	huma.Get(api, "/api/v1/sessions", service.getSessions)
	huma.Get(api, "/api/v1/sessions/{id}", service.getSession)

	// push channel
	service.Router.HandleFunc("/ws", service.serveWebSocket).Methods("GET")

	return service
}

// starts the control service
func (service *transferBoxService) Start(port int) error {
	slog.Info(fmt.Sprintf("Starting %s service on port %d...", service.Name, port))
	slog.Info(fmt.Sprintf("(Accepting up to %d connections)", config.Service.MaxConnections))

	service.StartTime = time.Now()

	// create a listener that limits the number of incoming connections
	service.Port = port
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	defer listener.Close()
	listener = netutil.LimitListener(listener, config.Service.MaxConnections)

	// start the server
	service.Server = &http.Server{
		Handler: service.Router}
	err = service.Server.Serve(listener)

	// we don't report the server closing as an error
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// gracefully shuts down the service without interrupting active requests;
// websocket clients are disconnected
func (service *transferBoxService) Shutdown(ctx context.Context) error {
	service.clients.closeAll()
	if service.Server != nil {
		return service.Server.Shutdown(ctx)
	}
	return nil
}

// closes down the service abruptly, freeing all resources
func (service *transferBoxService) Close() {
	service.clients.closeAll()
	if service.Server != nil {
		service.Server.Close()
	}
}
