package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-windage/internal/posterior"
	"github.com/23skdu/longbow-windage/internal/wire"
)

type WindageFlightServer struct {
	flight.BaseFlightServer
	predictor *posterior.Predictor
	alloc     memory.Allocator
}

func NewWindageFlightServer(predictor *posterior.Predictor) *WindageFlightServer {
	return &WindageFlightServer{
		predictor: predictor,
		alloc:     memory.NewGoAllocator(),
	}
}

// DoExchange answers each request record with one result record.
func (s *WindageFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		req, err := wire.DecodeRequest(rec)
		if err != nil {
			return err
		}
		log.Debug().Str("variant", req.Variant.String()).Int64("rows", rec.NumRows()).Msg("DoExchange request")

		res, err := s.predictor.Predict(stream.Context(), req)
		if err != nil {
			return err
		}

		out, err := wire.EncodeResult(s.alloc, res)
		if err != nil {
			return err
		}
		writer := flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()))
		err = writer.Write(out)
		out.Release()
		if err != nil {
			_ = writer.Close()
			return err
		}
		if err := writer.Close(); err != nil {
			return err
		}
	}
	return reader.Err()
}

func (s *WindageFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	return fmt.Errorf("DoPut not supported, use DoExchange")
}

func StartFlightServer(addr string, predictor *posterior.Predictor) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewWindageFlightServer(predictor))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Windage Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
