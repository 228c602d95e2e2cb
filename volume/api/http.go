/*
	Package volumeapi exposes the provisioning manager over HTTP for the
	orchestration layer.

	The surface is deliberately thin: requests are validated and decoded
	here (including human-readable sizes, which exist only at this
	boundary), everything else is the manager's job.
*/
package volumeapi

import (
	"fmt"
	"net/http"

	"github.com/docker/go-units"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/zvold/zvold/pkg/command"
	"github.com/zvold/zvold/pkg/httphelper"
	"github.com/zvold/zvold/volume"
	"github.com/zvold/zvold/volume/manager"
	"gopkg.in/inconshreveable/log15.v2"
)

type HTTPAPI struct {
	vman *manager.Manager
	log  log15.Logger
}

func NewHTTPAPI(vman *manager.Manager, log log15.Logger) *HTTPAPI {
	return &HTTPAPI{vman: vman, log: log}
}

func (api *HTTPAPI) RegisterRoutes(r *httprouter.Router) {
	r.POST("/volumes", api.CreateVolume)
	r.GET("/volumes", api.List)
	r.GET("/volumes/:volume_id", api.Inspect)
	r.DELETE("/volumes/:volume_id", api.Delete)
	r.PUT("/volumes/:volume_id/size", api.Extend)
	r.POST("/volumes/:volume_id/export", api.CreateExport)
	r.DELETE("/volumes/:volume_id/export", api.RemoveExport)
	r.POST("/volumes/:volume_id/export/acl", api.AuthorizeInitiator)
	r.DELETE("/volumes/:volume_id/export/acl/:initiator", api.RevokeInitiator)
	r.POST("/volumes/:volume_id/snapshots", api.CreateSnapshot)
	r.GET("/volumes/:volume_id/snapshots", api.ListSnapshots)
	r.DELETE("/volumes/:volume_id/snapshots/:snapshot_id", api.DeleteSnapshot)
	r.POST("/reconcile", api.Reconcile)
}

// error returns the API error for err, mapping the typed provisioning
// failures onto response codes.
func (api *HTTPAPI) error(w http.ResponseWriter, err error) {
	switch cause := errors.Cause(err); cause {
	case volume.ErrNoSuchVolume, volume.ErrNoSuchSnapshot, volume.ErrNoSuchExport:
		httphelper.ObjectNotFoundError(w, err.Error())
	case volume.ErrVolumeExists, volume.ErrSnapshotExists, volume.ErrAlreadyExported:
		httphelper.ObjectExistsError(w, err.Error())
	case volume.ErrVolumeBusy, volume.ErrAlreadyLocked, volume.ErrReconcileMismatch:
		httphelper.ConflictError(w, err.Error())
	case volume.ErrShrinkNotSupported, volume.ErrInsufficientSpace:
		httphelper.PreconditionFailedError(w, err.Error())
	case command.ErrTimeout:
		httphelper.TimeoutError(w, err.Error())
	default:
		api.log.Error("provisioning request failed", "err", err)
		httphelper.Error(w, err)
	}
}

type sizeSpec struct {
	// Size is a human-readable size like "10GiB"; SizeBytes wins when
	// both are set.
	Size      string `json:"size,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

func (s *sizeSpec) bytes() (int64, error) {
	if s.SizeBytes != 0 {
		return s.SizeBytes, nil
	}
	if s.Size == "" {
		return 0, fmt.Errorf("one of size or size_bytes is required")
	}
	n, err := units.RAMInBytes(s.Size)
	if err != nil {
		return 0, fmt.Errorf("could not parse size %q: %s", s.Size, err)
	}
	return n, nil
}

type createVolumeReq struct {
	ID string `json:"id"`
	sizeSpec

	// FromVolume/FromSnapshot clone an existing snapshot instead of
	// provisioning fresh space; size is ignored in that case.
	FromVolume   string `json:"from_volume,omitempty"`
	FromSnapshot string `json:"from_snapshot,omitempty"`
}

func (api *HTTPAPI) CreateVolume(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	req := &createVolumeReq{}
	if err := httphelper.DecodeJSON(r, req); err != nil {
		httphelper.Error(w, err)
		return
	}
	if req.ID == "" {
		httphelper.ValidationError(w, "id", "must not be blank")
		return
	}

	if req.FromSnapshot != "" {
		if req.FromVolume == "" {
			httphelper.ValidationError(w, "from_volume", "is required with from_snapshot")
			return
		}
		info, err := api.vman.CloneVolume(req.ID, req.FromVolume, req.FromSnapshot)
		if err != nil {
			api.error(w, err)
			return
		}
		httphelper.JSON(w, 200, info)
		return
	}

	size, err := req.bytes()
	if err != nil {
		httphelper.ValidationError(w, "size", err.Error())
		return
	}
	info, err := api.vman.CreateVolume(req.ID, size)
	if err != nil {
		api.error(w, err)
		return
	}
	httphelper.JSON(w, 200, info)
}

func (api *HTTPAPI) List(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	vols := api.vman.Volumes()
	if vols == nil {
		vols = []*volume.Info{}
	}
	httphelper.JSON(w, 200, vols)
}

func (api *HTTPAPI) Inspect(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	info := api.vman.GetVolume(ps.ByName("volume_id"))
	if info == nil {
		httphelper.ObjectNotFoundError(w, fmt.Sprintf("no volume with id %q", ps.ByName("volume_id")))
		return
	}
	httphelper.JSON(w, 200, info)
}

func (api *HTTPAPI) Delete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := api.vman.DeleteVolume(ps.ByName("volume_id")); err != nil {
		api.error(w, err)
		return
	}
	w.WriteHeader(200)
}

func (api *HTTPAPI) Extend(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	req := &sizeSpec{}
	if err := httphelper.DecodeJSON(r, req); err != nil {
		httphelper.Error(w, err)
		return
	}
	size, err := req.bytes()
	if err != nil {
		httphelper.ValidationError(w, "size", err.Error())
		return
	}
	if err := api.vman.ExtendVolume(ps.ByName("volume_id"), size); err != nil {
		api.error(w, err)
		return
	}
	w.WriteHeader(200)
}

type exportReq struct {
	Initiator string `json:"initiator"`
}

func (api *HTTPAPI) CreateExport(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	req := &exportReq{}
	if err := httphelper.DecodeJSON(r, req); err != nil {
		httphelper.Error(w, err)
		return
	}
	if req.Initiator == "" {
		httphelper.ValidationError(w, "initiator", "must not be blank")
		return
	}
	ex, err := api.vman.CreateExport(ps.ByName("volume_id"), req.Initiator)
	if err != nil {
		api.error(w, err)
		return
	}
	httphelper.JSON(w, 200, ex)
}

func (api *HTTPAPI) RemoveExport(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := api.vman.RemoveExport(ps.ByName("volume_id")); err != nil {
		api.error(w, err)
		return
	}
	w.WriteHeader(200)
}

func (api *HTTPAPI) AuthorizeInitiator(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	req := &exportReq{}
	if err := httphelper.DecodeJSON(r, req); err != nil {
		httphelper.Error(w, err)
		return
	}
	if req.Initiator == "" {
		httphelper.ValidationError(w, "initiator", "must not be blank")
		return
	}
	if err := api.vman.AuthorizeInitiator(ps.ByName("volume_id"), req.Initiator); err != nil {
		api.error(w, err)
		return
	}
	w.WriteHeader(200)
}

func (api *HTTPAPI) RevokeInitiator(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := api.vman.RevokeInitiator(ps.ByName("volume_id"), ps.ByName("initiator")); err != nil {
		api.error(w, err)
		return
	}
	w.WriteHeader(200)
}

type createSnapshotReq struct {
	SnapID string `json:"snap_id"`
}

func (api *HTTPAPI) CreateSnapshot(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	req := &createSnapshotReq{}
	if err := httphelper.DecodeJSON(r, req); err != nil {
		httphelper.Error(w, err)
		return
	}
	if req.SnapID == "" {
		httphelper.ValidationError(w, "snap_id", "must not be blank")
		return
	}
	snap, err := api.vman.CreateSnapshot(ps.ByName("volume_id"), req.SnapID)
	if err != nil {
		api.error(w, err)
		return
	}
	httphelper.JSON(w, 200, snap)
}

func (api *HTTPAPI) ListSnapshots(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	snaps := api.vman.Snapshots(ps.ByName("volume_id"))
	if snaps == nil {
		snaps = []*volume.Snapshot{}
	}
	httphelper.JSON(w, 200, snaps)
}

func (api *HTTPAPI) DeleteSnapshot(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := api.vman.DeleteSnapshot(ps.ByName("volume_id"), ps.ByName("snapshot_id")); err != nil {
		api.error(w, err)
		return
	}
	w.WriteHeader(200)
}

func (api *HTTPAPI) Reconcile(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	report, err := api.vman.Reconcile()
	if err != nil {
		api.error(w, err)
		return
	}
	httphelper.JSON(w, 200, report)
}
