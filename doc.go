// Package rhi provides a bindless GPU resource and command-submission layer.
//
// # Overview
//
// rhi sits between a renderer and the gogpu/wgpu HAL. A single [Device]
// creates buffers, textures, samplers, render passes and pipelines, gives
// every shader-visible resource a slot in a global bindless table, records
// draw work through [CommandRecorder] and tracks GPU completion with
// [Receipt] values.
//
// # Quick Start
//
//	dev, err := rhi.Open(rhi.WithBackend(rhi.BackendSoftware))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
//	target, _ := dev.CreateTexture(rhi.TextureDescription{
//		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
//		Format: gputypes.TextureFormatRGBA8Unorm,
//		Width:  256, Height: 256, Depth: 1,
//	})
//	defer target.Release()
//
//	rec := dev.NewCommandRecorder()
//	if err := rec.Begin(); err != nil {
//		log.Fatal(err)
//	}
//	if err := rec.BeginRenderPass(target); err != nil {
//		log.Fatal(err)
//	}
//	rec.ClearColor(rhi.Red)
//	rec.EndRenderPass()
//	if err := rec.End(); err != nil {
//		log.Fatal(err)
//	}
//
//	receipt, err := dev.Submit(rec)
//	if err != nil {
//		log.Fatal(err)
//	}
//	receipt.Wait()
//
// # Resource Lifetime
//
// Resources are reference counted. The creator owns one reference;
// [Buffer.Retain] adds one and Release drops one. Command recordings hold
// their own references until the GPU has finished with them, so releasing
// a resource that is still in flight is always safe.
//
// # Bindless Table
//
// Storage buffers, sampled textures and samplers receive a slot index on
// creation. Slots hold weak references, so occupying a slot never keeps a
// resource alive. [Device.UpdateBindless] rewrites the descriptor arrays;
// released or collected resources are replaced by a null resource of the
// same kind. Shaders receive slot indices through a 128-byte per-draw
// constant block filled by [CommandRecorder.BindConstants] and
// [CommandRecorder.BindTexture].
//
// # Completion
//
// [Device.SubmitGraphics] returns a [Receipt]. Finished work is reclaimed on
// every submit and display, by [Device.RemoveFinishedWork], and while
// waiting on a receipt, whichever goroutine submitted it.
package rhi
