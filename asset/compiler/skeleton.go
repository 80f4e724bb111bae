package compiler

import (
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"m3dconv/asset/m3d"
	"m3dconv/asset/scene"
)

// encodeSkeleton orders the bone table so parents always precede children,
// resolves skin groups to bone indices and encodes the recorded actions as
// sparse changed-pose frames. Pose records are interned into the shared
// vertex table like any other coordinate data.
func (mc *modelCompiler) encodeSkeleton() error {
	if !mc.cfg.Skeleton || !mc.skeletonOK || len(mc.bones) == 0 {
		return nil
	}

	start := time.Now()
	mc.logger.Noticef("encoding skeleton (%d bones)", len(mc.bones))

	order, err := topoSortBones(mc.bones, mc.boneIndex)
	if err != nil {
		return err
	}

	boneID := make(map[string]int32, len(mc.bones))
	mc.model.Bones = make([]m3d.Bone, len(order))
	for finalIdx, rawIdx := range order {
		rb := mc.bones[rawIdx]
		parent := int32(-1)
		if rb.parent != "" {
			parent = boneID[rb.parent]
		}
		boneID[rb.name] = int32(finalIdx)
		mc.model.Bones[finalIdx] = m3d.Bone{
			Parent:      parent,
			Name:        m3d.SafeName(rb.name),
			Position:    uint32(mc.vertRemap[rb.pos]),
			Orientation: uint32(mc.vertRemap[rb.ori]),
		}
	}

	mc.model.Skins = make([]m3d.Skin, len(mc.rawSkins))
	for i, rs := range mc.rawSkins {
		skin := m3d.Skin{Weights: make([]m3d.BoneWeight, len(rs.weights))}
		for j, w := range rs.weights {
			skin.Weights[j] = m3d.BoneWeight{Bone: boneID[w.bone], Weight: w.weight}
		}
		mc.model.Skins[i] = skin
		if len(skin.Weights) > mc.model.MaxWeights {
			mc.model.MaxWeights = len(skin.Weights)
		}
	}

	if mc.cfg.Animation {
		for _, act := range mc.actions {
			mc.encodeAction(act, boneID)
		}
	}

	mc.logger.Noticef("encoded %d bones, %d skin groups, %d actions in %d ms",
		len(mc.model.Bones), len(mc.model.Skins), len(mc.model.Actions),
		time.Since(start).Nanoseconds()/1e6)
	return nil
}

// topoSortBones orders bones so every parent index is smaller than its
// children's. The sort is stable over the collection order. Unknown
// parents and parent cycles cannot be represented and are fatal.
func topoSortBones(bones []rawBone, index map[string]int) ([]int, error) {
	placed := make(map[string]bool, len(bones))
	order := make([]int, 0, len(bones))
	remaining := len(bones)

	for remaining > 0 {
		progressed := false
		for i, b := range bones {
			if placed[b.name] {
				continue
			}
			if b.parent != "" {
				if _, exists := index[b.parent]; !exists {
					return nil, errors.Errorf("compiler: bone %q references unknown parent %q", b.name, b.parent)
				}
				if !placed[b.parent] {
					continue
				}
			}
			placed[b.name] = true
			order = append(order, i)
			remaining--
			progressed = true
		}
		if !progressed {
			for _, b := range bones {
				if !placed[b.name] {
					return nil, errors.Errorf("compiler: bone %q is part of a parent cycle", b.name)
				}
			}
		}
	}

	return order, nil
}

type posePair struct {
	pos uint32
	ori uint32
}

// encodeAction converts one recorded clip to frames. A frame carries only
// the bones whose pose changed relative to the previous frame, with the
// bind pose as the implicit frame before the first.
func (mc *modelCompiler) encodeAction(act *scene.Action, boneID map[string]int32) {
	// Pose samples per timestamp per bone, interned through the lattice so
	// unchanged poses compare equal by index.
	samples := make(map[uint32]map[int32]posePair)
	for _, track := range act.Tracks {
		id, exists := boneID[track.Bone]
		if !exists {
			mc.diagf("animate", "action %q animates unknown bone %q; track ignored", act.Name, track.Bone)
			continue
		}

		var lastTime uint32
		for i, key := range track.Keys {
			if i > 0 && key.TimeMS < lastTime {
				mc.diagf("animate", "action %q: bone %q keyframe at %d ms is out of order; ignored", act.Name, track.Bone, key.TimeMS)
				continue
			}
			lastTime = key.TimeMS

			if samples[key.TimeMS] == nil {
				samples[key.TimeMS] = make(map[int32]posePair)
			}
			samples[key.TimeMS][id] = mc.internPose(key.Position, key.Rotation)
		}
	}

	if len(samples) == 0 {
		mc.diagf("animate", "action %q has no usable keyframes; dropped", act.Name)
		return
	}

	times := make([]uint32, 0, len(samples))
	for t := range samples {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	// Change detection starts from the bind pose.
	last := make(map[int32]posePair, len(mc.model.Bones))
	for id, bone := range mc.model.Bones {
		last[int32(id)] = posePair{pos: bone.Position, ori: bone.Orientation}
	}

	frames := make([]m3d.Frame, 0, len(times))
	for _, t := range times {
		ids := make([]int32, 0, len(samples[t]))
		for id := range samples[t] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		frame := m3d.Frame{TimeMS: t}
		for _, id := range ids {
			pose := samples[t][id]
			if pose == last[id] {
				continue
			}
			last[id] = pose
			frame.Poses = append(frame.Poses, m3d.FramePose{
				Bone:        uint32(id),
				Position:    pose.pos,
				Orientation: pose.ori,
			})
		}
		if len(frame.Poses) > 0 {
			frames = append(frames, frame)
		}
	}

	if len(frames) == 0 {
		mc.diagf("animate", "action %q never leaves the bind pose; dropped", act.Name)
		return
	}

	duration := act.DurationMS
	if duration == 0 {
		duration = frames[len(frames)-1].TimeMS
	}

	mc.model.Actions = append(mc.model.Actions, m3d.Action{
		Name:       m3d.SafeName(act.Name),
		DurationMS: duration,
		Frames:     frames,
	})
}

// internPose quantizes one parent-relative pose into the shared vertex
// table and returns the record indices.
func (mc *modelCompiler) internPose(pos mgl32.Vec3, rot mgl32.Quat) posePair {
	return posePair{
		pos: uint32(mc.verts.Intern(positionRecord(pos, 0, m3d.SkinNone))),
		ori: uint32(mc.verts.Intern(orientationRecord(rot))),
	}
}
