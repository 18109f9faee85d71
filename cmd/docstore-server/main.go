package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"docstore/docstore"
	"docstore/kv"
	"docstore/kv/badgerkv"
	"docstore/kv/sqlitekv"
)

// openBackend picks the kv.Store implementation named by engine: "badger"
// (the default, an embedded LSM tree) or "sqlite" (a single-file SQL
// database), proving the collection surface above is storage-agnostic.
func openBackend(engine, dbPath string) (kv.Store, error) {
	switch engine {
	case "", "badger":
		return badgerkv.Open(dbPath)
	case "sqlite":
		return sqlitekv.Open(dbPath, sqlitekv.Options{})
	default:
		return nil, fmt.Errorf("unknown engine %q (want \"badger\" or \"sqlite\")", engine)
	}
}

// CollectionServer exposes one docstore collection over HTTP: create, list
// and fetch-by-key, mirroring the read/write surface a small admin UI or
// integration test would drive.
type CollectionServer struct {
	store      *docstore.Store
	collection string
}

// Document is the wire shape for one item: its key plus its body.
type Document struct {
	Key  string                 `json:"key"`
	Data map[string]interface{} `json:"data"`
}

// DocumentResponse wraps a single document result.
type DocumentResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Data    *Document `json:"data,omitempty"`
}

// DocumentListResponse wraps a collection scan result.
type DocumentListResponse struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message,omitempty"`
	Documents []Document `json:"documents,omitempty"`
	Count     int        `json:"count"`
}

func NewCollectionServer(store *docstore.Store, collection string) *CollectionServer {
	return &CollectionServer{store: store, collection: collection}
}

func (s *CollectionServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/documents", s.handleDocuments)
	mux.HandleFunc("/api/documents/", s.handleDocumentByID)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *CollectionServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// handleDocuments handles POST (create) and GET (list) on the collection.
func (s *CollectionServer) handleDocuments(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodPost:
		s.createDocument(w, r)
	case http.MethodGet:
		s.listDocuments(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(DocumentResponse{Success: false, Message: "method not allowed"})
	}
}

// handleDocumentByID handles GET and DELETE on /api/documents/{key}.
func (s *CollectionServer) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	key := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	if key == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(DocumentResponse{Success: false, Message: "missing document key"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.getDocument(w, r, key)
	case http.MethodDelete:
		s.deleteDocument(w, r, key)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(DocumentResponse{Success: false, Message: "method not allowed"})
	}
}

func (s *CollectionServer) createDocument(w http.ResponseWriter, r *http.Request) {
	var req Document
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(DocumentResponse{Success: false, Message: "invalid JSON body: " + err.Error()})
		return
	}
	if req.Key == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(DocumentResponse{Success: false, Message: "key is required"})
		return
	}
	ctx := r.Context()
	if err := s.store.Put(ctx, s.collection, req.Key, req.Data, docstore.NewPutOptions()); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(DocumentResponse{Success: false, Message: err.Error()})
		return
	}
	json.NewEncoder(w).Encode(DocumentResponse{Success: true, Data: &req})
}

func (s *CollectionServer) getDocument(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	item, found, err := s.store.Get(ctx, s.collection, key, docstore.GetOptions{Properties: docstore.AllProperties()})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(DocumentResponse{Success: false, Message: err.Error()})
		return
	}
	if !found {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(DocumentResponse{Success: false, Message: "not found"})
		return
	}
	json.NewEncoder(w).Encode(DocumentResponse{Success: true, Data: &Document{Key: key, Data: item.Value}})
}

func (s *CollectionServer) deleteDocument(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	deleted, err := s.store.Delete(ctx, s.collection, key, docstore.DeleteOptions{})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(DocumentResponse{Success: false, Message: err.Error()})
		return
	}
	if !deleted {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(DocumentResponse{Success: false, Message: "not found"})
		return
	}
	json.NewEncoder(w).Encode(DocumentResponse{Success: true})
}

func (s *CollectionServer) listDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var docs []Document
	err := s.store.ForEach(ctx, s.collection, docstore.FindOptions{Properties: docstore.AllProperties()}, func(item docstore.Item) error {
		docs = append(docs, Document{Key: fmt.Sprint(item.Key), Data: item.Value})
		return nil
	})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(DocumentListResponse{Success: false, Message: err.Error()})
		return
	}
	json.NewEncoder(w).Encode(DocumentListResponse{Success: true, Documents: docs, Count: len(docs)})
}

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	engine := flag.String("engine", "badger", "storage engine: badger or sqlite")
	dbPath := flag.String("db", ".data/docstore-server", "path to the backing data directory (badger) or database file (sqlite)")
	collection := flag.String("collection", "documents", "collection to expose")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer logger.Sync()

	backend, err := openBackend(*engine, *dbPath)
	if err != nil {
		logger.Fatal("open backend", zap.Error(err))
	}
	defer backend.Close()

	store, err := docstore.New("documents-store", backend, []docstore.Collection{
		{Name: *collection},
	}, docstore.WithLogger(logger))
	if err != nil {
		logger.Fatal("construct store", zap.Error(err))
	}
	if err := store.Initialize(context.Background()); err != nil {
		logger.Fatal("initialize store", zap.Error(err))
	}

	srv := NewCollectionServer(store, *collection)
	logger.Info("listening", zap.String("addr", *addr), zap.String("collection", *collection))
	if err := http.ListenAndServe(*addr, srv.setupRoutes()); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}
}
