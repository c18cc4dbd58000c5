package api

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/uncord-chat/uncord-protocol/permissions"

	"github.com/nisarsyed/openconv/internal/apierr"
	"github.com/nisarsyed/openconv/internal/attachment"
	"github.com/nisarsyed/openconv/internal/dmchannel"
	"github.com/nisarsyed/openconv/internal/httputil"
	"github.com/nisarsyed/openconv/internal/media"
	"github.com/nisarsyed/openconv/internal/permission"
	"github.com/nisarsyed/openconv/internal/user"
)

// maxAvatarBytes bounds avatar uploads, which unlike channel files are
// plaintext images the server decodes.
const maxAvatarBytes = 8 << 20

// FileHandler serves encrypted file upload/download and the avatar upload
// path, the one place the server handles a plaintext image.
type FileHandler struct {
	files      attachment.Repository
	storage    media.StorageProvider
	resolver   *permission.Resolver
	dmChannels dmchannel.Repository
	users      user.Repository
	rdb        *redis.Client
	maxUpload  int64
	log        zerolog.Logger
}

// NewFileHandler creates a new file handler.
func NewFileHandler(files attachment.Repository, storage media.StorageProvider, resolver *permission.Resolver, dmChannels dmchannel.Repository, users user.Repository, rdb *redis.Client, maxUpload int64, logger zerolog.Logger) *FileHandler {
	return &FileHandler{
		files: files, storage: storage, resolver: resolver, dmChannels: dmChannels,
		users: users, rdb: rdb, maxUpload: maxUpload, log: logger,
	}
}

func fileResponse(f *attachment.File) fiber.Map {
	out := fiber.Map{
		"id":                 f.ID,
		"uploader_id":        f.UploaderID,
		"file_name":          f.FileName,
		"mime_type":          f.MimeType,
		"size_bytes":         f.SizeBytes,
		"encrypted_blob_key": f.EncryptedBlobKey,
		"created_at":         f.CreatedAt.Format(time.RFC3339),
	}
	if f.ChannelID != nil {
		out["channel_id"] = *f.ChannelID
	}
	if f.DMChannelID != nil {
		out["dm_channel_id"] = *f.DMChannelID
	}
	return out
}

// Upload handles POST /api/files: multipart with fields file, file_name,
// mime_type, encrypted_blob_key, and exactly one of channel_id /
// dm_channel_id. The blob is written to the object store before the
// metadata row is inserted; if the insert fails the blob is best-effort
// deleted.
func (h *FileHandler) Upload(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}

	// Reject oversized bodies before reading the multipart stream.
	if length := int64(c.Request().Header.ContentLength()); length > h.maxUpload {
		return httputil.Fail(c, fiber.StatusRequestEntityTooLarge, "Upload exceeds the maximum size")
	}

	fileName, err := attachment.SanitizeFileName(c.FormValue("file_name"))
	if err != nil {
		return h.mapFileError(c, err)
	}
	mimeType := c.FormValue("mime_type")
	if err := attachment.ValidateMimeType(mimeType); err != nil {
		return h.mapFileError(c, err)
	}
	blobKey := []byte(c.FormValue("encrypted_blob_key"))
	if err := attachment.ValidateBlobKey(blobKey); err != nil {
		return h.mapFileError(c, err)
	}

	channelID, dmChannelID, guildID, apiErr := h.uploadScope(c, userID)
	if apiErr != nil {
		return httputil.FailErr(c, apiErr)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Missing file field")
	}
	if fileHeader.Size > h.maxUpload {
		return httputil.Fail(c, fiber.StatusRequestEntityTooLarge, "Upload exceeds the maximum size")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Unreadable file field")
	}
	defer func() { _ = src.Close() }()

	fileID, err := uuid.NewV7()
	if err != nil {
		return h.mapFileError(c, err)
	}
	storageKey := attachment.StorageKeyFor(guildID, channelID, dmChannelID, fileID)

	if err := h.storage.Put(c.Context(), storageKey, src); err != nil {
		return h.mapFileError(c, fmt.Errorf("store blob: %w", err))
	}

	f, err := h.files.Create(c.Context(), attachment.CreateParams{
		ChannelID:        channelID,
		DMChannelID:      dmChannelID,
		UploaderID:       userID,
		FileName:         fileName,
		MimeType:         mimeType,
		SizeBytes:        fileHeader.Size,
		EncryptedBlobKey: blobKey,
		StorageKey:       storageKey,
	})
	if err != nil {
		if delErr := h.storage.Delete(c.Context(), storageKey); delErr != nil {
			h.log.Warn().Err(delErr).Str("storage_key", storageKey).Msg("Orphaned blob cleanup failed")
		}
		return h.mapFileError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fileResponse(f))
}

// Download handles GET /api/files/:fileID/download. Authorization derives
// from the file's scope: ViewChannels in the guild for channel files, DM
// membership for DM files. Every download is served as an opaque
// attachment — the stored bytes are ciphertext regardless of the asserted
// MIME type.
func (h *FileHandler) Download(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	fileID, err := parseUUIDParam(c, "fileID")
	if err != nil {
		return mapAPIError(c, err)
	}

	f, err := h.files.GetByID(c.Context(), fileID)
	if err != nil {
		return h.mapFileError(c, err)
	}
	if apiErr := h.requireFileAccess(c, userID, f); apiErr != nil {
		return httputil.FailErr(c, apiErr)
	}

	rc, err := h.storage.Get(c.Context(), f.StorageKey)
	if err != nil {
		return h.mapFileError(c, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return h.mapFileError(c, fmt.Errorf("read blob: %w", err))
	}

	c.Set(fiber.HeaderContentType, "application/octet-stream")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+f.FileName+`"`)
	return c.Send(data)
}

// Get handles GET /api/files/:fileID: the metadata row, including the
// wrapped blob key.
func (h *FileHandler) Get(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	fileID, err := parseUUIDParam(c, "fileID")
	if err != nil {
		return mapAPIError(c, err)
	}

	f, err := h.files.GetByID(c.Context(), fileID)
	if err != nil {
		return h.mapFileError(c, err)
	}
	if apiErr := h.requireFileAccess(c, userID, f); apiErr != nil {
		return httputil.FailErr(c, apiErr)
	}
	return httputil.Success(c, fileResponse(f))
}

// UploadAvatar handles PUT /api/users/me/avatar: a plaintext image,
// validated by content type, stored under avatars/ and thumbnailed by the
// background worker.
func (h *FileHandler) UploadAvatar(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Missing file field")
	}
	if fileHeader.Size > maxAvatarBytes {
		return httputil.Fail(c, fiber.StatusRequestEntityTooLarge, "Avatar exceeds the maximum size")
	}
	contentType := fileHeader.Header.Get("Content-Type")
	if !media.IsImageContentType(contentType) {
		return h.mapFileError(c, media.ErrUnsupportedContentType)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Unreadable file field")
	}
	defer func() { _ = src.Close() }()

	avatarKey := "avatars/" + userID.String() + media.ExtensionFromFilename(fileHeader.Filename)
	if err := h.storage.Put(c.Context(), avatarKey, src); err != nil {
		return h.mapFileError(c, fmt.Errorf("store avatar: %w", err))
	}

	u, err := h.users.UpdateAvatarKey(c.Context(), userID, avatarKey)
	if err != nil {
		return h.mapFileError(c, err)
	}

	job := media.ThumbnailJob{UserID: userID.String(), StorageKey: avatarKey, ContentType: contentType}
	if err := media.EnqueueThumbnail(c.Context(), h.rdb, job); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Avatar thumbnail enqueue failed")
	}

	return httputil.Success(c, fiber.Map{
		"avatar_key": u.AvatarKey,
		"avatar_url": h.storage.URL(avatarKey),
	})
}

// uploadScope parses and authorizes the channel_id / dm_channel_id form
// fields for an upload: exactly one must be present; channel uploads need
// AttachFiles in the owning guild, DM uploads need membership.
func (h *FileHandler) uploadScope(c fiber.Ctx, userID uuid.UUID) (channelID, dmChannelID *uuid.UUID, guildID uuid.UUID, apiErr *apierr.Error) {
	rawChannel := c.FormValue("channel_id")
	rawDM := c.FormValue("dm_channel_id")
	if (rawChannel == "") == (rawDM == "") {
		return nil, nil, uuid.Nil, apierr.New(apierr.CodeValidation, "Exactly one of channel_id and dm_channel_id is required")
	}

	if rawChannel != "" {
		id, parseErr := uuid.Parse(rawChannel)
		if parseErr != nil {
			return nil, nil, uuid.Nil, apierr.New(apierr.CodeValidation, "Invalid channel_id")
		}
		guildID, err := h.resolver.ChannelGuild(c.Context(), id)
		if err != nil {
			return nil, nil, uuid.Nil, apierr.New(apierr.CodeNotFound, "Channel not found")
		}
		allowed, err := h.resolver.HasPermission(c.Context(), userID, guildID, permissions.AttachFiles)
		if err != nil {
			return nil, nil, uuid.Nil, apierr.Internal(err)
		}
		if !allowed {
			return nil, nil, uuid.Nil, apierr.New(apierr.CodeForbidden, "You do not have the required permissions")
		}
		return &id, nil, guildID, nil
	}

	id, parseErr := uuid.Parse(rawDM)
	if parseErr != nil {
		return nil, nil, uuid.Nil, apierr.New(apierr.CodeValidation, "Invalid dm_channel_id")
	}
	isMember, err := h.dmChannels.IsMember(c.Context(), id, userID)
	if err != nil {
		return nil, nil, uuid.Nil, apierr.Internal(err)
	}
	if !isMember {
		return nil, nil, uuid.Nil, apierr.New(apierr.CodeNotFound, "DM channel not found")
	}
	return nil, &id, uuid.Nil, nil
}

// requireFileAccess authorizes a read of f by userID based on the file's
// scope.
func (h *FileHandler) requireFileAccess(c fiber.Ctx, userID uuid.UUID, f *attachment.File) *apierr.Error {
	if f.ChannelID != nil {
		allowed, err := h.resolver.HasChannelPermission(c.Context(), userID, *f.ChannelID, permissions.ViewChannels)
		if err != nil {
			return apierr.Internal(err)
		}
		if !allowed {
			return apierr.New(apierr.CodeNotFound, "File not found")
		}
		return nil
	}

	isMember, err := h.dmChannels.IsMember(c.Context(), *f.DMChannelID, userID)
	if err != nil {
		return apierr.Internal(err)
	}
	if !isMember {
		return apierr.New(apierr.CodeNotFound, "File not found")
	}
	return nil
}

// mapFileError converts file-layer errors to appropriate HTTP responses.
func (h *FileHandler) mapFileError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, attachment.ErrNotFound),
		errors.Is(err, media.ErrStorageKeyNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, "File not found")
	case errors.Is(err, attachment.ErrEmptyFileName),
		errors.Is(err, attachment.ErrFileNameLength),
		errors.Is(err, attachment.ErrInvalidMimeType),
		errors.Is(err, attachment.ErrBlobKeyTooLarge),
		errors.Is(err, media.ErrUnsupportedContentType):
		return httputil.Fail(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, media.ErrFileTooLarge):
		return httputil.Fail(c, fiber.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, "User not found")
	default:
		h.log.Error().Err(err).Str("handler", "file").Msg("unhandled file service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, "An internal error occurred")
	}
}
